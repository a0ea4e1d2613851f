package relay

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/InsulaLabs/lantorrent/internal/wire"
	"github.com/InsulaLabs/lantorrent/pkg/models"
	"github.com/google/uuid"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultIOTimeout      = 30 * time.Second
	DefaultStatusTimeout  = 5 * time.Minute
	DefaultMaxHops        = 32
	DefaultQueueDepth     = 8
	DefaultStallTimeout   = 10 * time.Second
)

type Config struct {
	Logger *slog.Logger
	Signer *wire.Signer

	// Self is the endpoint this node listens on. Empty at an origin that does
	// not also run a relay.
	Self string

	ConnectTimeout time.Duration
	IOTimeout      time.Duration

	// StatusTimeout bounds the wait for a child's report, per hop of the
	// subtree below that child.
	StatusTimeout time.Duration

	MaxHops         int
	MaxReportLength int

	// QueueDepth is the number of blocks buffered per branch before a slow
	// branch holds up the reader.
	QueueDepth int

	// StallTimeout is how long the reader waits on a branch whose queue is
	// full. A branch that takes longer than this to accept a block is dropped
	// with CONNECTION_ERROR so its siblings keep their pace.
	StallTimeout time.Duration
}

// Engine is the forwarding logic run at every hop, the origin included.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Signer == nil {
		panic("relay: Config.Signer is required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = DefaultIOTimeout
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = DefaultStatusTimeout
	}
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = DefaultMaxHops
	}
	if cfg.MaxReportLength <= 0 {
		cfg.MaxReportLength = wire.DefaultMaxReportLength
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = DefaultStallTimeout
	}
	return &Engine{
		cfg:    cfg,
		logger: cfg.Logger.WithGroup("relay"),
	}
}

func (e *Engine) Config() Config {
	return e.cfg
}

// Forward streams exactly td.SourceLength bytes from in to every local target
// of td and, through at most td.Degree connections, to every remote
// destination. It returns one record per leaf of td. The error is non-nil only
// when the input itself failed; the report then carries that failure for every
// leaf that had not already failed on its own.
func (e *Engine) Forward(ctx context.Context, in io.Reader, td *models.TransferDescriptor) (models.Report, error) {
	logger := e.logger.With("request_id", td.RequestID)
	report := models.Report{Host: td.Host, Port: td.Port}

	var sinks []sink
	for _, t := range td.LocalTargets {
		leaf := models.Leaf{Host: td.Host, Port: td.Port, Target: t}
		sinks = append(sinks, newLocalSink(leaf, td, logger))
	}

	routable, rejected := e.route(td)
	report.Records = append(report.Records, rejected...)
	for _, bucket := range models.Partition(routable, td.Degree) {
		sinks = append(sinks, newRemoteSink(e, td, models.Branch(bucket), logger))
	}

	logger.Debug("forwarding",
		"bytes", td.SourceLength,
		"local_targets", len(td.LocalTargets),
		"branches", len(sinks)-len(td.LocalTargets),
		"rejected", len(rejected))

	pipes := make([]*pipe, len(sinks))
	var wg sync.WaitGroup
	for i, s := range sinks {
		pipes[i] = newPipe(s, e.cfg.QueueDepth)
		wg.Add(1)
		go func(p *pipe) {
			defer wg.Done()
			p.run(ctx)
		}(pipes[i])
	}

	streamErr := pump(ctx, in, td, pipes, e.cfg.StallTimeout)
	for _, p := range pipes {
		p.close(streamErr)
	}
	wg.Wait()

	for _, p := range pipes {
		report.Records = append(report.Records, p.records...)
	}
	if streamErr != nil {
		logger.Warn("input stream failed", "error", streamErr)
	}
	return report, streamErr
}

// route drops destinations this hop must not dial and reports their leaves.
func (e *Engine) route(td *models.TransferDescriptor) ([]models.Destination, []models.CompletionRecord) {
	maxHops := td.MaxHops
	if maxHops <= 0 {
		maxHops = e.cfg.MaxHops
	}
	depth := len(childRoute(td)) + 1

	var routable []models.Destination
	var rejected []models.CompletionRecord
	for _, d := range td.RemoteDestinations {
		err := d.Validate()
		if err == nil {
			ep := d.Endpoint()
			switch {
			case ep == e.cfg.Self || td.Visited(ep):
				err = models.NewError(models.CodeBadDestination, "forwarding loop through %s", ep)
			case depth > maxHops:
				err = models.NewError(models.CodeBadDestination, "%s is beyond the %d hop limit", ep, maxHops)
			}
		}
		if err != nil {
			e.logger.Warn("rejecting destination", "request_id", td.RequestID, "destination", d.Endpoint(), "error", err)
			rejected = append(rejected, models.FailAll(d.Leaves(), err)...)
			continue
		}
		routable = append(routable, d)
	}
	return routable, rejected
}

func childRoute(td *models.TransferDescriptor) []string {
	route := slices.Clone(td.Route)
	if ep := td.Endpoint(); ep != "" {
		route = append(route, ep)
	}
	return route
}

// childDescriptor is the header sent down a branch: the same transfer, with
// the branch's share of the tree and a fresh nonce.
func childDescriptor(td *models.TransferDescriptor, branch models.Destination) *models.TransferDescriptor {
	return &models.TransferDescriptor{
		RequestID:          td.RequestID,
		Host:               branch.Host,
		Port:               branch.Port,
		SourceLength:       td.SourceLength,
		BlockSize:          td.BlockSize,
		Degree:             td.Degree,
		Checksum:           td.Checksum,
		LocalTargets:       branch.LocalTargets,
		RemoteDestinations: branch.RemoteDestinations,
		Route:              childRoute(td),
		MaxHops:            td.MaxHops,
		Nonce:              uuid.NewString(),
		IssuedAt:           time.Now().UTC(),
	}
}

// pump reads the input block by block and hands every block to each pipe
// still accepting data. A pipe that leaves its queue full for longer than
// stall is evicted.
func pump(ctx context.Context, in io.Reader, td *models.TransferDescriptor, pipes []*pipe, stall time.Duration) error {
	var read int64
	for read < td.SourceLength {
		if err := ctx.Err(); err != nil {
			return models.NewError(models.CodeConnectionError, "transfer cancelled after %d of %d bytes: %v", read, td.SourceLength, err)
		}
		n := min(int64(td.BlockSize), td.SourceLength-read)
		block := make([]byte, n)
		got, err := io.ReadFull(in, block)
		read += int64(got)
		if err != nil {
			return models.NewError(models.CodeConnectionError, "input ended after %d of %d bytes: %v", read, td.SourceLength, err)
		}
		for _, p := range pipes {
			if err := p.offer(ctx, block, stall); err != nil {
				return models.NewError(models.CodeConnectionError, "transfer cancelled after %d of %d bytes: %v", read, td.SourceLength, err)
			}
		}
	}
	return nil
}

// sink is one unit of concurrent work at a hop: a local file or a branch.
type sink interface {
	open(ctx context.Context) error
	write(block []byte) error
	// finish is called once the whole stream has been delivered.
	finish(ctx context.Context) []models.CompletionRecord
	// fail is called when the sink itself broke before the stream ended.
	fail(err error) []models.CompletionRecord
	// abort is called when the input broke before the stream ended.
	abort(err error) []models.CompletionRecord
}

type pipe struct {
	sink    sink
	blocks  chan []byte
	dead    chan struct{}
	err     error
	records []models.CompletionRecord

	// evicted is closed by the reader once it gave up on this pipe; evictErr
	// is set before. Only the reader touches dropped.
	evicted  chan struct{}
	evictErr error
	dropped  bool
}

func newPipe(s sink, depth int) *pipe {
	return &pipe{
		sink:    s,
		blocks:  make(chan []byte, depth),
		dead:    make(chan struct{}),
		evicted: make(chan struct{}),
	}
}

// offer queues block, waiting at most stall for room. The error is non-nil
// only when ctx ended.
func (p *pipe) offer(ctx context.Context, block []byte, stall time.Duration) error {
	if p.dropped {
		return nil
	}
	select {
	case p.blocks <- block:
		return nil
	case <-p.dead:
		return nil
	default:
	}

	timer := time.NewTimer(stall)
	defer timer.Stop()
	select {
	case p.blocks <- block:
	case <-p.dead:
	case <-timer.C:
		p.evictErr = models.NewError(models.CodeConnectionError, "branch accepted no data for %s and was dropped", stall)
		p.dropped = true
		close(p.evicted)
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// close ends the stream; streamErr is what the sink is told if the input
// broke.
func (p *pipe) close(streamErr error) {
	p.err = streamErr
	close(p.blocks)
}

func (p *pipe) run(ctx context.Context) {
	defer close(p.dead)

	if err := p.sink.open(ctx); err != nil {
		p.records = p.sink.fail(err)
		return
	}
	for block := range p.blocks {
		select {
		case <-p.evicted:
			p.records = p.sink.fail(p.evictErr)
			return
		default:
		}
		if err := p.sink.write(block); err != nil {
			p.records = p.sink.fail(err)
			return
		}
	}
	select {
	case <-p.evicted:
		p.records = p.sink.fail(p.evictErr)
		return
	default:
	}
	if p.err != nil {
		p.records = p.sink.abort(p.err)
		return
	}
	p.records = p.sink.finish(ctx)
}
