// Package history projects DepositCreated events and live deposit state into
// a bounded, newest-first view.
package history

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"timelockvault/internal/metrics"
	"timelockvault/internal/vault"
	"timelockvault/internal/vaulterr"
)

const (
	DefaultWindow      = 25
	defaultConcurrency = 8
)

// Source is the read surface the projector consumes. *vault.Contract
// implements it.
type Source interface {
	DepositCreatedEvents(ctx context.Context, fromBlock uint64, toBlock *uint64) ([]vault.DepositCreated, error)
	GetDeposit(ctx context.Context, id uint64) (vault.Deposit, error)
}

type HeadReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// Row is one deposit in the view.
type Row struct {
	vault.Deposit
	CreatedBlock uint64      `json:"createdBlock"`
	CreatedTx    common.Hash `json:"createdTx"`
}

// View is a cache of recent deposits. Only the newest Window events are
// kept; Truncated reports that older ones exist.
type View struct {
	Rows        []Row  `json:"deposits"`
	FromBlock   uint64 `json:"fromBlock"`
	AtBlock     uint64 `json:"atBlock"`
	TotalEvents int    `json:"totalEvents"`
	Truncated   bool   `json:"truncated"`
}

type Options struct {
	StartBlock  uint64
	Window      int
	Concurrency int
	Metrics     *metrics.Registry
}

type Projector struct {
	source      Source
	head        HeadReader
	startBlock  uint64
	window      int
	concurrency int
	metrics     *metrics.Registry

	refreshMu sync.Mutex
	mu        sync.RWMutex
	view      View
}

func NewProjector(source Source, head HeadReader, opts Options) *Projector {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	return &Projector{
		source:      source,
		head:        head,
		startBlock:  opts.StartBlock,
		window:      opts.Window,
		concurrency: opts.Concurrency,
		metrics:     opts.Metrics,
		view:        View{FromBlock: opts.StartBlock},
	}
}

// View returns the last successfully refreshed view.
func (p *Projector) View() View {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.view
}

// Refresh rebuilds the view from chain state. On any failure the previous
// view is kept and the error is returned.
func (p *Projector) Refresh(ctx context.Context) (View, error) {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	view, err := p.build(ctx)
	if err != nil {
		p.metrics.IncHistoryRefresh("failure")
		log.Warn().Err(err).Uint64("from_block", p.startBlock).Msg("history refresh failed, keeping previous view")
		return p.View(), err
	}

	p.mu.Lock()
	p.view = view
	p.mu.Unlock()

	p.metrics.IncHistoryRefresh("success")
	p.metrics.SetHistoryRows(len(view.Rows))
	log.Debug().Int("rows", len(view.Rows)).Int("events", view.TotalEvents).Uint64("block", view.AtBlock).Msg("history refreshed")
	return view, nil
}

func (p *Projector) build(ctx context.Context) (View, error) {
	head, err := p.head.BlockNumber(ctx)
	if err != nil {
		return View{}, vaulterr.Wrap(vaulterr.KindQueryFailed, err, "read chain head")
	}
	view := View{FromBlock: p.startBlock, AtBlock: head, Rows: []Row{}}
	if head < p.startBlock {
		return view, nil
	}

	events, err := p.source.DepositCreatedEvents(ctx, p.startBlock, &head)
	if err != nil {
		return View{}, err
	}
	view.TotalEvents = len(events)
	if len(events) > p.window {
		events = events[len(events)-p.window:]
		view.Truncated = true
	}

	rows := make([]Row, len(events))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, ev := range events {
		// newest first
		slot := len(events) - 1 - i
		ev := ev
		g.Go(func() error {
			live, err := p.source.GetDeposit(gctx, ev.ID)
			if err != nil {
				return err
			}
			d := ev.Deposit
			d.Withdrawn = live.Withdrawn
			d.UnlockTime = live.UnlockTime
			rows[slot] = Row{Deposit: d, CreatedBlock: ev.BlockNumber, CreatedTx: ev.TxHash}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return View{}, err
	}
	view.Rows = rows
	return view, nil
}

// Find returns the row for id from the current view.
func (v View) Find(id uint64) (Row, bool) {
	for _, r := range v.Rows {
		if r.ID == id {
			return r, true
		}
	}
	return Row{}, false
}
