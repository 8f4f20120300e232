// Package bus routes agent-to-agent messages along the directed edges
// declared in the active graph. Delivery is asynchronous, best-effort,
// and non-reentrant: a recipient that is mid-turn drops the message.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentgrid/agentgrid/internal/metrics"
	"github.com/agentgrid/agentgrid/pkg/models"
)

// deliveryDelay lets the sender's turn finalise before the recipient
// starts; the sender has already received success by then.
const deliveryDelay = 100 * time.Millisecond

const rosterDescriptionMax = 100

// Peer is the bus's view of an agent worker.
type Peer interface {
	ID() string
	DisplayName() string
	Description() string
	Busy() bool

	// Deliver starts the peer's turn on a fresh task.
	Deliver(text string)
}

// Directory resolves workers from the live graph.
type Directory interface {
	Peer(id string) (Peer, bool)
	Peers() []Peer
}

// Bus holds the edge set of the current graph and performs permission-
// checked delivery between workers.
type Bus struct {
	logger    *slog.Logger
	directory Directory

	mu    sync.RWMutex
	edges map[[2]string]struct{}

	// delay is overridable in tests.
	delay time.Duration
}

// New creates a bus over the given worker directory.
func New(directory Directory, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:    logger.With("component", "bus"),
		directory: directory,
		edges:     make(map[[2]string]struct{}),
		delay:     deliveryDelay,
	}
}

// SetEdges atomically replaces the edge set on graph reload.
func (b *Bus) SetEdges(connections []models.Connection) {
	edges := make(map[[2]string]struct{}, len(connections))
	for _, c := range connections {
		edges[[2]string{c.Source, c.Target}] = struct{}{}
	}
	b.mu.Lock()
	b.edges = edges
	b.mu.Unlock()
}

// HasEdge reports whether source may message target.
func (b *Bus) HasEdge(source, target string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.edges[[2]string{source, target}]
	return ok
}

// Send validates and enqueues a message from source to target. All
// failures come back as descriptive strings; the caller records them as
// tool results.
func (b *Bus) Send(_ context.Context, source, target, message string) string {
	sender, ok := b.directory.Peer(source)
	if !ok {
		return fmt.Sprintf("agent not found: %s", source)
	}
	recipient, ok := b.directory.Peer(target)
	if !ok {
		return fmt.Sprintf("agent not found: %s", target)
	}
	if !b.HasEdge(source, target) {
		metrics.BusDeliveries.WithLabelValues("denied").Inc()
		return fmt.Sprintf("no permission: agent %s cannot message %s", source, target)
	}

	contextJSON, _ := json.Marshal(map[string]any{})
	payload := fmt.Sprintf("[internal message from %s]\n%s\n(context: %s)",
		sender.DisplayName(), message, contextJSON)

	// Deliver on a fresh task after a short delay so the sender's turn
	// finalises first. A busy recipient drops the message; the sender
	// already got success.
	go func() {
		time.Sleep(b.delay)
		if recipient.Busy() {
			metrics.BusDeliveries.WithLabelValues("dropped_busy").Inc()
			b.logger.Debug("dropped delivery to busy agent", "source", source, "target", target)
			return
		}
		metrics.BusDeliveries.WithLabelValues("delivered").Inc()
		recipient.Deliver(payload)
	}()

	return fmt.Sprintf("message queued for delivery to %s", target)
}

// Roster lists agents reachable by an outgoing edge from the requester.
// An empty requester sees the full directory.
func (b *Bus) Roster(requester string) string {
	peers := b.directory.Peers()

	var lines []string
	for _, peer := range peers {
		if peer.ID() == requester {
			continue
		}
		if requester != "" && !b.HasEdge(requester, peer.ID()) {
			continue
		}
		desc := models.Truncate(peer.Description(), rosterDescriptionMax)
		if desc == "" {
			desc = "(no description)"
		}
		lines = append(lines, fmt.Sprintf("- %s (%s): %s", peer.ID(), peer.DisplayName(), desc))
	}
	if len(lines) == 0 {
		return "no agents reachable"
	}
	out := "reachable agents:\n"
	for _, l := range lines {
		out += l + "\n"
	}
	return out
}
