// Package shutdown runs registered cleanup functions once, in reverse order,
// when the process is signalled or its context ends.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/CodeMonkeyCybersecurity/scout/internal/logger"
)

// Handler manages graceful shutdown of long running commands.
type Handler struct {
	shutdownFuncs []func(context.Context) error
	mu            sync.Mutex
	once          sync.Once
	done          chan struct{}
	logger        *logger.Logger
}

func NewHandler(log *logger.Logger) *Handler {
	return &Handler{
		done:   make(chan struct{}),
		logger: log.WithComponent("shutdown"),
	}
}

// Register adds a function to run during shutdown. Functions run last
// registered first.
func (h *Handler) Register(fn func(context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.shutdownFuncs = append(h.shutdownFuncs, fn)
}

// Wait blocks until SIGINT, SIGTERM or ctx ends, then shuts down within
// timeout.
func (h *Handler) Wait(ctx context.Context, timeout time.Duration) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		h.logger.Infow("Received signal, starting graceful shutdown", "signal", sig.String())
	case <-ctx.Done():
		h.logger.Info("Context cancelled, starting graceful shutdown")
	}
	return h.ShutdownWithTimeout(timeout)
}

// Shutdown runs every registered function. Only the first call has effect.
func (h *Handler) Shutdown(ctx context.Context) error {
	var err error
	h.once.Do(func() {
		h.mu.Lock()
		funcs := h.shutdownFuncs
		h.mu.Unlock()

		failed := 0
		for i := len(funcs) - 1; i >= 0; i-- {
			if ferr := funcs[i](ctx); ferr != nil {
				failed++
				h.logger.Errorw("Error during shutdown", "error", ferr)
			}
		}
		if failed > 0 {
			err = fmt.Errorf("%d shutdown functions failed", failed)
		}
		close(h.done)
	})
	return err
}

// Done is closed once shutdown has completed.
func (h *Handler) Done() <-chan struct{} {
	return h.done
}

func (h *Handler) ShutdownWithTimeout(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- h.Shutdown(ctx) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout after %v", timeout)
	}
}
