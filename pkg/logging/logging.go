// Package logging builds the zap loggers used across vrtree.
package logging

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/orneryd/vrtree/pkg/config"
)

// New builds a logger from cfg. An unknown level falls back to info. The
// returned level can be changed at runtime.
func New(cfg config.LoggingConfig) (*zap.Logger, zap.AtomicLevel, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if l, err := zapcore.ParseLevel(strings.ToLower(cfg.Level)); err == nil {
		level.SetLevel(l)
	}
	zc.Level = level

	if cfg.Format != "" {
		zc.Encoding = cfg.Format
	}
	if len(cfg.Output) > 0 {
		zc.OutputPaths = cfg.Output
	}
	zc.DisableStacktrace = !cfg.Development

	log, err := zc.Build()
	if err != nil {
		return nil, level, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return log, level, nil
}

// Plugin log types.
const (
	LogInfo    = 0
	LogWarning = 1
	LogError   = 2
	LogDebug   = 3
)

// PluginSink receives log lines from a plugin. Messages are indented by two
// spaces per Indent(true) not yet matched by Indent(false).
type PluginSink struct {
	log *zap.Logger

	mu    sync.Mutex
	depth int
}

// NewPluginSink logs through log tagged with the plugin name.
func NewPluginSink(log *zap.Logger, plugin string) *PluginSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &PluginSink{log: log.With(zap.String("plugin", plugin))}
}

// Log writes msg at the level for typ. Unknown types log at info.
func (p *PluginSink) Log(typ int, msg string) {
	p.mu.Lock()
	depth := p.depth
	p.mu.Unlock()

	msg = strings.Repeat("  ", depth) + strings.TrimRight(msg, "\r\n")
	switch typ {
	case LogWarning:
		p.log.Warn(msg)
	case LogError:
		p.log.Error(msg)
	case LogDebug:
		p.log.Debug(msg)
	default:
		p.log.Info(msg)
	}
}

// Indent increases or decreases the indent of later messages.
func (p *PluginSink) Indent(increase bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if increase {
		p.depth++
	} else if p.depth > 0 {
		p.depth--
	}
}

// Depth returns the current indent level.
func (p *PluginSink) Depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.depth
}
