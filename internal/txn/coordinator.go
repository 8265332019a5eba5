// Package txn threads optional per-resolver transaction ids through the
// dispatch calls generated for one pattern evaluation.
package txn

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"loomcore/internal/dispatch"
	"loomcore/pkg/resolver"
)

// Coordinator manages the transaction scope of exactly one logical pattern
// evaluation. It is never reused across patterns and supports no nesting.
type Coordinator struct {
	registry *dispatch.Registry
	logger   *zap.SugaredLogger

	// participants holds one transactional session per distinct resolver
	// name touched by the pattern, in join order, each carrying the id its
	// own backend issued.
	participants []participant
	// degraded records that at least one touched resolver lacks transaction
	// support, so the whole pattern runs auto-commit-per-call.
	degraded bool
	began    bool
	settled  bool
}

type participant struct {
	name    string
	session resolver.Transactional
	id      resolver.TxnID
}

// NewCoordinator constructs a coordinator over the resolver registry.
func NewCoordinator(registry *dispatch.Registry, logger *zap.SugaredLogger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Coordinator{registry: registry, logger: logger}
}

// Begin inspects every resolver name the pattern will touch. If all of them
// support transactions, one is started on each participant and the ids are
// threaded through the pattern's calls per target resolver; if any lacks
// support the coordinator degrades to auto-commit for the whole pattern.
// The degradation is logged, never silently partial: callers needing
// atomicity must restrict themselves to transaction-capable resolvers.
func (c *Coordinator) Begin(ctx context.Context, resolverNames []string) error {
	if c.began || c.degraded {
		return fmt.Errorf("txn: coordinator already began; one transaction per pattern evaluation")
	}
	if len(resolverNames) == 0 {
		c.degraded = true
		return nil
	}
	seen := make(map[string]struct{}, len(resolverNames))
	var sessions []participant
	for _, name := range resolverNames {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		session, err := c.registry.NewSession(name)
		if err != nil {
			return err
		}
		transactional, ok := session.(resolver.Transactional)
		if !ok {
			c.degraded = true
			c.logger.Infow("transaction degraded to auto-commit: resolver lacks transaction support",
				"resolver", name)
			return nil
		}
		sessions = append(sessions, participant{name: name, session: transactional})
	}

	for i := range sessions {
		id, err := sessions[i].session.StartTransaction(ctx)
		if err != nil {
			for _, started := range sessions[:i] {
				if rbErr := started.session.RollbackTransaction(ctx, started.id); rbErr != nil {
					c.logger.Warnw("rollback after failed begin",
						"resolver", started.name, "error", rbErr)
				}
			}
			return fmt.Errorf("start transaction on %s: %w", sessions[i].name, err)
		}
		sessions[i].id = id
	}
	c.began = true
	c.participants = sessions
	c.logger.Debugw("transaction started", "participants", len(sessions))
	return nil
}

// IDFor returns the transaction id issued by the resolver bound to
// entityPath, empty when degraded or the entity resolves outside the
// participant set.
func (c *Coordinator) IDFor(entityPath string) resolver.TxnID {
	if !c.Active() {
		return ""
	}
	name, err := c.registry.ResolverName(entityPath)
	if err != nil {
		return ""
	}
	for _, p := range c.participants {
		if p.name == name {
			return p.id
		}
	}
	return ""
}

// Active reports whether per-resolver transaction ids are threaded through
// the pattern's calls.
func (c *Coordinator) Active() bool { return !c.degraded && c.began }

// Commit commits every participant's transaction exactly once, in join
// order. A no-op when degraded or already settled.
func (c *Coordinator) Commit(ctx context.Context) error {
	if !c.Active() || c.settled {
		return nil
	}
	c.settled = true
	for _, p := range c.participants {
		if err := p.session.CommitTransaction(ctx, p.id); err != nil {
			return fmt.Errorf("commit transaction on %s: %w", p.name, err)
		}
	}
	c.logger.Debugw("transaction committed", "participants", len(c.participants))
	return nil
}

// Rollback rolls every participant's transaction back exactly once. It fires
// automatically on any dispatch failure while the transaction is active;
// rollback errors are logged, not returned, so the original dispatch failure
// stays the surfaced error.
func (c *Coordinator) Rollback(ctx context.Context) {
	if !c.Active() || c.settled {
		return
	}
	c.settled = true
	for _, p := range c.participants {
		if err := p.session.RollbackTransaction(ctx, p.id); err != nil {
			c.logger.Warnw("transaction rollback failed",
				"resolver", p.name, "error", err)
		}
	}
	c.logger.Debugw("transaction rolled back", "participants", len(c.participants))
}
