package relay

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/InsulaLabs/lantorrent/internal/wire"
	"github.com/InsulaLabs/lantorrent/pkg/models"
)

// rejectGrace bounds how long a broken branch is given to explain itself
// before the parent settles on its own error.
const rejectGrace = 2 * time.Second

// remoteSink relays the stream to one downstream hop and collects the report
// for every leaf below it.
type remoteSink struct {
	engine *Engine
	parent *models.TransferDescriptor
	branch models.Destination
	leaves []models.Leaf
	logger *slog.Logger

	conn net.Conn
	stop func() bool
}

func newRemoteSink(e *Engine, parent *models.TransferDescriptor, branch models.Destination, logger *slog.Logger) *remoteSink {
	return &remoteSink{
		engine: e,
		parent: parent,
		branch: branch,
		leaves: branch.Leaves(),
		logger: logger.With("branch", branch.Endpoint()),
	}
}

func (s *remoteSink) open(ctx context.Context) error {
	cfg := s.engine.cfg
	endpoint := s.branch.Endpoint()

	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return models.NewError(models.CodeConnectFailed, "%s: %v", endpoint, err)
	}
	s.conn = conn
	s.stop = context.AfterFunc(ctx, func() { conn.Close() })

	conn.SetWriteDeadline(time.Now().Add(cfg.IOTimeout))
	if err := wire.WriteHeader(conn, cfg.Signer, childDescriptor(s.parent, s.branch)); err != nil {
		return models.NewError(models.CodeConnectionError, "sending header to %s: %v", endpoint, err)
	}
	s.logger.Debug("branch opened", "leaves", len(s.leaves))
	return nil
}

func (s *remoteSink) write(block []byte) error {
	s.conn.SetWriteDeadline(time.Now().Add(s.engine.cfg.IOTimeout))
	if _, err := s.conn.Write(block); err != nil {
		return models.NewError(models.CodeConnectionError, "sending to %s: %v", s.branch.Endpoint(), err)
	}
	return nil
}

func (s *remoteSink) finish(ctx context.Context) []models.CompletionRecord {
	cfg := s.engine.cfg
	wait := cfg.StatusTimeout * time.Duration(models.Depth(s.branch, s.parent.Degree))
	s.conn.SetReadDeadline(time.Now().Add(wait))

	report, err := wire.ReadReport(bufio.NewReader(s.conn), cfg.MaxReportLength)
	s.close()
	if err != nil {
		s.logger.Warn("branch report failed", "error", err)
		return models.FailAll(s.leaves, err)
	}
	return reconcile(s.branch, s.leaves, report)
}

// fail is reached when the branch stopped taking data. A relay that refused
// the header has usually left a report explaining why, so look for it
// briefly before falling back to err.
func (s *remoteSink) fail(err error) []models.CompletionRecord {
	s.logger.Warn("branch failed", "error", err)
	if s.conn == nil {
		return models.FailAll(s.leaves, err)
	}
	s.conn.SetReadDeadline(time.Now().Add(min(rejectGrace, s.engine.cfg.StatusTimeout)))
	report, rerr := wire.ReadReport(bufio.NewReader(s.conn), s.engine.cfg.MaxReportLength)
	s.close()
	if rerr != nil || len(report.Records) == 0 {
		return models.FailAll(s.leaves, err)
	}
	return reconcile(s.branch, s.leaves, report)
}

func (s *remoteSink) abort(err error) []models.CompletionRecord {
	s.close()
	return models.FailAll(s.leaves, err)
}

func (s *remoteSink) close() {
	if s.stop != nil {
		s.stop()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}

// reconcile maps a child's report onto the leaves that were sent down to it,
// so the parent always holds exactly one record per leaf. Leaves the child did
// not mention inherit its hop-level failure when it sent one.
func reconcile(branch models.Destination, leaves []models.Leaf, report models.Report) []models.CompletionRecord {
	byID := make(map[string]models.CompletionRecord, len(report.Records))
	var hop *models.CompletionRecord
	for _, rec := range report.Records {
		if rec.ID == "" {
			if !rec.OK() {
				hop = &rec
			}
			continue
		}
		byID[rec.ID] = rec
	}

	records := make([]models.CompletionRecord, 0, len(leaves))
	for _, leaf := range leaves {
		if rec, ok := byID[leaf.Target.ID]; ok {
			records = append(records, rec)
			continue
		}
		if hop != nil {
			records = append(records, models.CompletionRecord{
				ID:      leaf.Target.ID,
				Code:    hop.Code,
				Message: hop.Message,
				Host:    leaf.Host,
				Port:    leaf.Port,
				Path:    leaf.Target.Path,
			})
			continue
		}
		records = append(records, models.Failed(leaf,
			models.NewError(models.CodeStatusNotReceived, "%s reported nothing for %s", branch.Endpoint(), leaf.Target.ID)))
	}
	return records
}
