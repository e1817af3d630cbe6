// Package gui is the notification plane for observer clients: periodic
// status snapshots, mirrored round events, and command translation.
// Observers are a second class of peer link; they never participate in
// the active node count.
package gui

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/votemesh/votemesh/pkg/codec"
	"github.com/votemesh/votemesh/pkg/model"
	"github.com/votemesh/votemesh/pkg/transport/ws"
)

// StatusSource produces the periodic observer snapshot.
type StatusSource interface {
	StatusSnapshot() *model.StatusUpdate
}

// CommandExecutor runs an observer-issued command and returns the
// human-readable response.
type CommandExecutor interface {
	Execute(command string, args []string) string
}

// NewFanout creates an empty observer fan-out.
func NewFanout(logger *slog.Logger) (*Fanout, error) {
	if logger == nil {
		return nil, fmt.Errorf("new gui fanout, logger is nil")
	}
	return &Fanout{
		logger:    logger.With("component", "gui"),
		observers: make(map[*ws.Link]string),
		stopChan:  make(chan struct{}),
	}, nil
}

// Fanout holds the observer links in a map separate from the peer mesh;
// an observer may be closed at any time and send failures evict it.
type Fanout struct {
	logger   *slog.Logger
	status   StatusSource
	executor CommandExecutor

	mu        sync.Mutex
	observers map[*ws.Link]string

	stopOnce sync.Once
	stopChan chan struct{}
}

// BindStatus attaches the snapshot source.
func (f *Fanout) BindStatus(s StatusSource) {
	f.status = s
}

// BindExecutor attaches the command dispatcher.
func (f *Fanout) BindExecutor(x CommandExecutor) {
	f.executor = x
}

// Start launches the periodic status stream.
func (f *Fanout) Start(interval time.Duration) {
	go func() {
		tk := time.NewTicker(interval)
		defer tk.Stop()
		for {
			select {
			case <-f.stopChan:
				return
			case <-tk.C:
				if f.status == nil {
					continue
				}
				f.Mirror(f.status.StatusSnapshot())
			}
		}
	}()
}

// Shutdown stops the status stream and closes every observer link.
func (f *Fanout) Shutdown() {
	f.stopOnce.Do(func() {
		close(f.stopChan)
	})
	f.mu.Lock()
	links := make([]*ws.Link, 0, len(f.observers))
	for l := range f.observers {
		links = append(links, l)
	}
	f.observers = make(map[*ws.Link]string)
	f.mu.Unlock()
	for _, l := range links {
		l.Close()
	}
}

// Register adds an observer link identified by its handshake clientID.
func (f *Fanout) Register(clientID string, link *ws.Link) {
	if clientID == "" {
		clientID = "gui_" + uuid.NewString()
	}
	f.mu.Lock()
	f.observers[link] = clientID
	count := len(f.observers)
	f.mu.Unlock()
	f.logger.Info("observer registered", "client", clientID, "observers", count)
}

// Unregister drops an observer link, typically because it closed.
func (f *Fanout) Unregister(link *ws.Link) {
	f.mu.Lock()
	clientID, ok := f.observers[link]
	delete(f.observers, link)
	count := len(f.observers)
	f.mu.Unlock()
	if ok {
		f.logger.Info("observer gone", "client", clientID, "observers", count)
	}
}

// ObserverCount returns the number of connected observers.
func (f *Fanout) ObserverCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.observers)
}

// Mirror sends msg to every observer. A failed send evicts the observer
// immediately.
func (f *Fanout) Mirror(msg any) {
	if msg == nil {
		return
	}
	data, err := codec.Marshal(msg)
	if err != nil {
		f.logger.Error("failed to encode observer message", "error", err.Error())
		return
	}

	f.mu.Lock()
	links := make([]*ws.Link, 0, len(f.observers))
	for l := range f.observers {
		links = append(links, l)
	}
	f.mu.Unlock()

	for _, l := range links {
		if err := l.SendRaw(data); err != nil {
			f.logger.Debug("evicting observer after failed send", "error", err.Error())
			l.Close()
			f.Unregister(l)
		}
	}
}

// Notify implements the round engine's observer mirror.
func (f *Fanout) Notify(msg any) {
	f.Mirror(msg)
}

// HandleCommand translates an observer COMMAND frame into the equivalent
// operator command and answers on the same link.
func (f *Fanout) HandleCommand(link *ws.Link, cmd *model.Command) {
	response := "no command executor configured"
	if f.executor != nil {
		response = f.executor.Execute(cmd.Command, cmd.Args)
	}
	resp := &model.CommandResponse{Type: model.TypeCommandResponse, Response: response}
	if err := link.Send(resp); err != nil {
		f.logger.Debug("failed to answer observer command", "error", err.Error())
		link.Close()
		f.Unregister(link)
	}
}
