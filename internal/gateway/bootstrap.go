package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"checkout-service/internal/util"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// BootstrapStatus of the checkout script.
type BootstrapStatus string

const (
	BootstrapNotLoaded BootstrapStatus = "not_loaded"
	BootstrapLoaded    BootstrapStatus = "loaded"
	BootstrapDegraded  BootstrapStatus = "degraded"
)

// Bootstrap owns whether the gateway's checkout script is reachable. It is
// probed lazily on the first online payment; once loaded it stays loaded for
// the life of the process. A failed probe leaves the gateway degraded and the
// next Ensure probes again. The probe does not belong to any one caller: a
// caller giving up does not stop it or count as a failure.
type Bootstrap struct {
	scriptURL    string
	http         *resty.Client
	group        singleflight.Group
	probeTimeout time.Duration

	mu     sync.RWMutex
	status BootstrapStatus
}

func NewBootstrap(scriptURL string) *Bootstrap {
	return &Bootstrap{
		scriptURL: scriptURL,
		http: resty.New().
			SetTimeout(5 * time.Second).
			SetRetryCount(1).
			SetRetryWaitTime(500 * time.Millisecond),
		probeTimeout: 15 * time.Second,
		status:       BootstrapNotLoaded,
	}
}

// Status returns the current bootstrap status.
func (b *Bootstrap) Status() BootstrapStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

func (b *Bootstrap) setStatus(s BootstrapStatus) {
	b.mu.Lock()
	b.status = s
	b.mu.Unlock()
}

// Ensure makes sure the script is reachable. Concurrent callers share a probe.
func (b *Bootstrap) Ensure(ctx context.Context) error {
	if b.Status() == BootstrapLoaded {
		return nil
	}

	ch := b.group.DoChan("probe", func() (interface{}, error) {
		if b.Status() == BootstrapLoaded {
			return nil, nil
		}
		probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.probeTimeout)
		defer cancel()
		return nil, b.probe(probeCtx)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bootstrap) probe(ctx context.Context) error {
	ctx, span := util.StartSpan(ctx, "Gateway.Bootstrap")
	defer span.End()

	resp, err := b.http.R().SetContext(ctx).Get(b.scriptURL)
	if err == nil && resp.IsError() {
		err = fmt.Errorf("script fetch returned %d", resp.StatusCode())
	}
	if err != nil {
		util.RecordError(span, err)
		b.setStatus(BootstrapDegraded)
		util.GetLogger().Warn("Payment gateway script unavailable, online payments degraded",
			zap.String("script_url", b.scriptURL),
			zap.Error(err))
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	b.setStatus(BootstrapLoaded)
	util.GetLogger().Info("Payment gateway script loaded", zap.String("script_url", b.scriptURL))
	return nil
}
