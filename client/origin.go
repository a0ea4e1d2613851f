package client

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/InsulaLabs/lantorrent/internal/relay"
	"github.com/InsulaLabs/lantorrent/internal/wire"
	"github.com/InsulaLabs/lantorrent/pkg/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	DefaultBlockSize = 1 << 20
	DefaultDegree    = 2
)

type Config struct {
	Logger *slog.Logger
	Secret string

	// Self is the relay endpoint of this node, if it runs one. Destinations
	// naming it are refused rather than looped back.
	Self string

	BlockSize int
	Degree    int
	Checksum  bool
	MaxHops   int

	ConnectTimeout  time.Duration
	IOTimeout       time.Duration
	StatusTimeout   time.Duration
	StallTimeout    time.Duration
	MaxHeaderLength int
	MaxReportLength int
}

// Request is a broadcast of one local file to a flat list of targets.
type Request struct {
	RequestID  string          `json:"request_id"`
	SourcePath string          `json:"source_path"`
	Targets    []models.Target `json:"targets"`
}

// Origin drives a broadcast from the node holding the source file.
type Origin struct {
	cfg    Config
	engine *relay.Engine
	logger *slog.Logger
}

func NewOrigin(cfg Config) (*Origin, error) {
	if cfg.Secret == "" {
		return nil, errors.New("secret cannot be empty")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.Degree <= 0 {
		cfg.Degree = DefaultDegree
	}
	if cfg.MaxHeaderLength <= 0 {
		cfg.MaxHeaderLength = wire.DefaultMaxHeaderLength
	}
	logger := cfg.Logger.WithGroup("origin")
	engine := relay.New(relay.Config{
		Logger:          cfg.Logger,
		Signer:          wire.NewSigner(cfg.Secret),
		Self:            cfg.Self,
		ConnectTimeout:  cfg.ConnectTimeout,
		IOTimeout:       cfg.IOTimeout,
		StatusTimeout:   cfg.StatusTimeout,
		StallTimeout:    cfg.StallTimeout,
		MaxHops:         cfg.MaxHops,
		MaxReportLength: cfg.MaxReportLength,
	})
	return &Origin{cfg: cfg, engine: engine, logger: logger}, nil
}

// Send broadcasts the source file and returns one record per target. The
// error is reserved for failures that concern the whole transfer: the source
// cannot be read or the tree cannot be described.
func (o *Origin) Send(ctx context.Context, req Request) (models.Report, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	logger := o.logger.With("request_id", req.RequestID, "source", req.SourcePath)

	if err := models.CheckTargetIDs(models.AssignIDs(req.RequestID, req.Targets)); err != nil {
		return models.Report{}, errors.Wrap(err, "invalid targets")
	}

	f, err := os.Open(req.SourcePath)
	if err != nil {
		return models.Report{}, errors.Wrapf(err, "opening source %s", req.SourcePath)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return models.Report{}, errors.Wrapf(err, "stat source %s", req.SourcePath)
	}
	if !info.Mode().IsRegular() {
		return models.Report{}, errors.Errorf("source %s is not a regular file", req.SourcePath)
	}

	td := BuildDescriptor(req, info.Size(), o.cfg.BlockSize, o.cfg.Degree)
	td.MaxHops = o.cfg.MaxHops

	if err := o.checkHeaderSize(td); err != nil {
		return models.Report{}, err
	}

	if o.cfg.Checksum && len(td.RemoteDestinations)+len(td.LocalTargets) > 0 {
		sum, err := fileChecksum(f)
		if err != nil {
			return models.Report{}, errors.Wrapf(err, "hashing source %s", req.SourcePath)
		}
		td.Checksum = sum
	}

	logger.Info("broadcast starting",
		"bytes", td.SourceLength,
		"targets", len(req.Targets),
		"degree", td.Degree,
		"block_size", td.BlockSize)

	started := time.Now()
	report, err := o.engine.Forward(ctx, bufio.NewReaderSize(f, td.BlockSize), td)
	if err != nil {
		return report, errors.Wrapf(err, "reading source %s", req.SourcePath)
	}

	logger.Info("broadcast finished",
		"outcome", report.Outcome().String(),
		"failed", len(report.Failures()),
		"elapsed", time.Since(started))
	return report, nil
}

// checkHeaderSize refuses a tree whose description would not fit in the header
// a relay accepts. The first hop receives nearly the whole tree.
func (o *Origin) checkHeaderSize(td *models.TransferDescriptor) error {
	body, err := json.Marshal(td)
	if err != nil {
		return errors.Wrap(err, "encoding descriptor")
	}
	if len(body) > o.cfg.MaxHeaderLength {
		return models.NewError(models.CodeHeaderTooLong, "descriptor is %d bytes, relays accept %d", len(body), o.cfg.MaxHeaderLength)
	}
	return nil
}

// BuildDescriptor groups targets by endpoint, in order of first appearance,
// into the root descriptor. Targets without a host are written by the origin
// itself.
func BuildDescriptor(req Request, length int64, blockSize, degree int) *models.TransferDescriptor {
	td := &models.TransferDescriptor{
		RequestID:    req.RequestID,
		SourceLength: length,
		BlockSize:    blockSize,
		Degree:       degree,
		IssuedAt:     time.Now().UTC(),
	}

	index := make(map[string]int)
	for _, t := range models.AssignIDs(req.RequestID, req.Targets) {
		local := models.LocalTarget{ID: t.ID, Path: t.Path, Rename: t.Rename}
		if t.Host == "" {
			td.LocalTargets = append(td.LocalTargets, local)
			continue
		}
		ep := t.Endpoint()
		i, ok := index[ep]
		if !ok {
			i = len(td.RemoteDestinations)
			index[ep] = i
			td.RemoteDestinations = append(td.RemoteDestinations, models.Destination{Host: t.Host, Port: t.Port})
		}
		td.RemoteDestinations[i].LocalTargets = append(td.RemoteDestinations[i].LocalTargets, local)
	}
	return td
}

func fileChecksum(f *os.File) (string, error) {
	h := relay.NewChecksum()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
