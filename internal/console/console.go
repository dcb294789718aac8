// Package console is a terminal module controller.
//
// It lists every registered module with its state, kind, channel and
// auto-activation flag, shows the metadata of the selected module and lets
// the operator activate, deactivate and toggle auto-activation:
//
//	up/down, j/k   select
//	a / d          activate / deactivate
//	t              toggle auto-activation
//	r              re-check the environment
//	q, Esc         quit
package console

import (
	"context"
	"fmt"
	"sync"

	"github.com/gdamore/tcell/v2"

	"github.com/dshills/keyforge/internal/event"
	"github.com/dshills/keyforge/internal/logging"
	"github.com/dshills/keyforge/internal/module"
	"github.com/dshills/keyforge/internal/rtvalue"
	"github.com/dshills/keyforge/internal/settings"
)

// Host is the part of the runtime the console drives.
type Host interface {
	ListModules() []module.Info
	ActivateModule(ctx context.Context, id string) error
	DeactivateModule(ctx context.Context, id string) error
	TriggerEvent(evt *event.Event) bool
	Stats() module.Stats
	RTValues() *rtvalue.Store
	Observe(pattern string, fn module.Observer) (cancel func())
}

type stopSignal struct{}

// Controller renders the module list on a tcell screen.
type Controller struct {
	screen   tcell.Screen
	host     Host
	settings *settings.Store
	logger   *logging.Logger
	palette  palette

	mu       sync.Mutex
	selected int
	status   string
}

// Option configures a Controller.
type Option func(*Controller)

// WithSettings enables the auto-activation column and toggle.
func WithSettings(s *settings.Store) Option {
	return func(c *Controller) { c.settings = s }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a controller drawing on screen. The screen is initialized by
// Run.
func New(screen tcell.Screen, host Host, opts ...Option) *Controller {
	c := &Controller{
		screen:  screen,
		host:    host,
		logger:  logging.Default(),
		palette: defaultPalette(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithComponent("console")
	return c
}

// NewTerminal creates a controller on the process terminal.
func NewTerminal(host Host, opts ...Option) (*Controller, error) {
	screen, err := tcell.NewScreen()
	if err != nil {
		return nil, fmt.Errorf("console: %w", err)
	}
	return New(screen, host, opts...), nil
}

// Run initializes the screen and processes input until the operator quits
// or ctx ends. The screen is finalized on return.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.screen.Init(); err != nil {
		return fmt.Errorf("console: %w", err)
	}
	defer c.screen.Fini()

	wake := func() { _ = c.screen.PostEvent(tcell.NewEventInterrupt(nil)) }
	defer c.host.Observe("module.**", func(*event.Event) { wake() })()
	defer c.host.RTValues().Watch("core", func(rtvalue.Change) { wake() })()
	stop := context.AfterFunc(ctx, func() {
		_ = c.screen.PostEvent(tcell.NewEventInterrupt(stopSignal{}))
	})
	defer stop()

	c.Draw()
	for {
		switch ev := c.screen.PollEvent().(type) {
		case nil:
			return nil
		case *tcell.EventInterrupt:
			if _, ok := ev.Data().(stopSignal); ok {
				return ctx.Err()
			}
		case *tcell.EventResize:
			c.screen.Sync()
		case *tcell.EventKey:
			if c.HandleKey(ctx, ev) {
				return nil
			}
		}
		c.Draw()
	}
}

// HandleKey applies one key press and reports whether the operator asked
// to quit.
func (c *Controller) HandleKey(ctx context.Context, ev *tcell.EventKey) (quit bool) {
	switch ev.Key() {
	case tcell.KeyEscape, tcell.KeyCtrlC:
		return true
	case tcell.KeyUp:
		c.move(-1)
	case tcell.KeyDown:
		c.move(1)
	case tcell.KeyRune:
		switch ev.Rune() {
		case 'q':
			return true
		case 'k':
			c.move(-1)
		case 'j':
			c.move(1)
		case 'a':
			c.apply(ctx, "activated", c.host.ActivateModule)
		case 'd':
			c.apply(ctx, "deactivated", c.host.DeactivateModule)
		case 't':
			c.toggleAuto()
		case 'r':
			heard := c.host.TriggerEvent(event.New(event.EnvironmentCheckRequest, nil, nil))
			if heard {
				c.setStatus("environment check requested")
			} else {
				c.setStatus("no environment checker registered")
			}
		}
	}
	return false
}

// Selected returns the id of the highlighted module, or "".
func (c *Controller) Selected() string {
	mods := c.host.ListModules()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(mods) == 0 {
		return ""
	}
	c.selected = clamp(c.selected, 0, len(mods)-1)
	return mods[c.selected].ID
}

// Status returns the last status message.
func (c *Controller) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Controller) move(delta int) {
	n := len(c.host.ListModules())
	c.mu.Lock()
	defer c.mu.Unlock()
	if n == 0 {
		c.selected = 0
		return
	}
	c.selected = clamp(c.selected+delta, 0, n-1)
}

func (c *Controller) apply(ctx context.Context, verb string, fn func(context.Context, string) error) {
	id := c.Selected()
	if id == "" {
		return
	}
	if err := fn(ctx, id); err != nil {
		c.logger.Warn("%s %s: %v", verb, id, err)
		c.setStatus(fmt.Sprintf("%s: %v", id, err))
		return
	}
	c.setStatus(id + " " + verb)
}

func (c *Controller) toggleAuto() {
	id := c.Selected()
	if id == "" {
		return
	}
	if c.settings == nil {
		c.setStatus("no settings store")
		return
	}
	cur, ok := c.settings.Get(id)
	if !ok {
		c.setStatus(id + " has no settings entry")
		return
	}
	if err := c.settings.SetAutoActivate(id, !cur.AutoActivate); err != nil {
		c.setStatus(fmt.Sprintf("%s: %v", id, err))
		return
	}
	c.setStatus(fmt.Sprintf("%s auto activation %s", id, onOff(!cur.AutoActivate)))
}

func (c *Controller) setStatus(s string) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
