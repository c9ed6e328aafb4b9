package adapters

import (
	"fmt"
	"strings"
	"time"

	"github.com/Rajchodisetti/session-trader/internal/config"
	"github.com/Rajchodisetti/session-trader/internal/observ"
	"github.com/Rajchodisetti/session-trader/internal/outbox"
	"github.com/Rajchodisetti/session-trader/internal/portfolio"
	"github.com/Rajchodisetti/session-trader/internal/session"
)

// Collaborators is the set of adapters a session pipeline talks to.
type Collaborators struct {
	Signals session.SignalSource
	Broker  session.Broker
	Orders  session.OrderSink
	// Book is set when the broker or the order sink is the paper book.
	Book *portfolio.Manager
}

// Factory creates adapters from the collaborators section of the config.
type Factory struct {
	config config.Collaborators
	book   *portfolio.Manager
}

func NewFactory(cfg config.Collaborators) *Factory {
	return &Factory{config: cfg}
}

func (f *Factory) Build() (Collaborators, error) {
	var c Collaborators
	var err error
	if c.Signals, err = f.signals(); err != nil {
		return c, err
	}
	if c.Broker, err = f.broker(); err != nil {
		return c, err
	}
	if c.Orders, err = f.orders(); err != nil {
		return c, err
	}
	c.Book = f.book
	return c, nil
}

func kind(ep config.Endpoint) string { return strings.ToLower(strings.TrimSpace(ep.Kind)) }

func (f *Factory) signals() (session.SignalSource, error) {
	ep := f.config.Signals
	switch kind(ep) {
	case "file":
		observ.Log("adapter_created", map[string]any{"collaborator": "signals", "type": "file", "path": ep.Path})
		return NewFileSignals(ep.Path), nil
	case "http":
		observ.Log("adapter_created", map[string]any{"collaborator": "signals", "type": "http", "base_url": ep.BaseURL})
		return NewHTTPSignals(NewClient("signals", ep)), nil
	}
	return nil, fmt.Errorf("unknown signals adapter %q", ep.Kind)
}

func (f *Factory) broker() (session.Broker, error) {
	ep := f.config.Broker
	switch kind(ep) {
	case "file":
		observ.Log("adapter_created", map[string]any{"collaborator": "broker", "type": "file", "path": ep.Path})
		return f.paperBook(ep.Path)
	case "http":
		observ.Log("adapter_created", map[string]any{"collaborator": "broker", "type": "http", "base_url": ep.BaseURL})
		return NewHTTPBroker(NewClient("broker", ep)), nil
	}
	return nil, fmt.Errorf("unknown broker adapter %q", ep.Kind)
}

func (f *Factory) orders() (session.OrderSink, error) {
	ep := f.config.Orders
	switch kind(ep) {
	case "file":
		observ.Log("adapter_created", map[string]any{"collaborator": "orders", "type": "outbox", "path": ep.Path})
		return outbox.New(ep.Path, 7*24*time.Hour)
	case "paper":
		// fills land in the broker's book file
		path := f.config.Broker.Path
		observ.Log("adapter_created", map[string]any{"collaborator": "orders", "type": "paper", "path": path})
		return f.paperBook(path)
	case "http":
		observ.Log("adapter_created", map[string]any{"collaborator": "orders", "type": "http", "base_url": ep.BaseURL})
		return NewHTTPOrders(NewClient("orders", ep)), nil
	}
	return nil, fmt.Errorf("unknown orders adapter %q", ep.Kind)
}

func (f *Factory) paperBook(path string) (*portfolio.Manager, error) {
	if f.book == nil {
		f.book = portfolio.NewManager(path)
		if err := f.book.Load(); err != nil {
			return nil, err
		}
	}
	return f.book, nil
}
