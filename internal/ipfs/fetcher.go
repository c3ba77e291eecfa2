// Package ipfs fetches files out of a content-addressed IPFS directory
// through public HTTP gateways, with mirror fallback and bounded retries.
package ipfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/joshuahamsa/ipfs-to-cdn/internal/transfer"
)

// DefaultGateways are the public mirrors tried in order.
var DefaultGateways = []string{
	"https://ipfs.io",
	"https://gateway.pinata.cloud",
	"https://dweb.link",
}

// Fetcher downloads {gateway}/ipfs/{cid}/{name}. A 404 from any mirror is
// authoritative absence; timeouts, connection errors and 5xx rotate to
// the next mirror and, once all mirrors fail, back off and retry until
// the attempt budget is spent.
type Fetcher struct {
	Gateways    []string
	CID         string
	Client      *http.Client
	MaxAttempts int
	RetryDelay  time.Duration // base delay between full mirror sweeps
	Log         *zap.SugaredLogger
}

func New(gateways []string, cid string, timeout time.Duration, maxAttempts int, retryDelay time.Duration, log *zap.SugaredLogger) *Fetcher {
	if len(gateways) == 0 {
		gateways = DefaultGateways
	}
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Fetcher{
		Gateways:    gateways,
		CID:         cid,
		Client:      &http.Client{Timeout: timeout},
		MaxAttempts: maxAttempts,
		RetryDelay:  retryDelay,
		Log:         log,
	}
}

// FetchFile downloads name into dest. The returned error is a
// *transfer.MissError for authoritative absence (404) and for an
// exhausted attempt budget (last observed status, 504 when none).
func (f *Fetcher) FetchFile(ctx context.Context, name, dest string) error {
	lastStatus := http.StatusGatewayTimeout

	op := func() error {
		for _, gw := range f.Gateways {
			status, err := f.tryGateway(ctx, gw, name, dest)
			switch {
			case err == nil:
				return nil
			case status == http.StatusNotFound:
				return backoff.Permanent(&transfer.MissError{Status: http.StatusNotFound})
			default:
				if status > 0 {
					lastStatus = status
				}
				f.Log.Warnw("gateway failed", "gateway", gw, "file", name, "status", status, "err", err)
			}
		}
		return fmt.Errorf("all gateways failed for %s", name)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.RetryDelay
	bo.Multiplier = 2
	bo.MaxInterval = 10 * time.Minute
	bo.MaxElapsedTime = 0

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(f.MaxAttempts-1)), ctx))
	if err == nil {
		return nil
	}
	var miss *transfer.MissError
	if errors.As(err, &miss) {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	f.Log.Errorw("download failed after all attempts", "file", name, "attempts", f.MaxAttempts)
	return &transfer.MissError{Status: lastStatus}
}

func (f *Fetcher) tryGateway(ctx context.Context, gateway, name, dest string) (int, error) {
	u := strings.TrimRight(gateway, "/") + "/ipfs/" + f.CID + "/" + name
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, fmt.Errorf("http status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return resp.StatusCode, err
	}
	out, err := os.Create(dest)
	if err != nil {
		return resp.StatusCode, err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(dest)
		return resp.StatusCode, err
	}
	return resp.StatusCode, out.Close()
}

// Source adapts a Fetcher to the transfer loop: candidate id n maps to
// the file {n}.{Ext} staged under Dir.
type Source struct {
	Fetcher *Fetcher
	Ext     string
	Dir     string
}

func (s *Source) Fetch(ctx context.Context, id int) (transfer.Item, error) {
	name := fmt.Sprintf("%d.%s", id, s.Ext)
	dest := filepath.Join(s.Dir, name)
	if err := s.Fetcher.FetchFile(ctx, name, dest); err != nil {
		return transfer.Item{}, err
	}
	return transfer.Item{Path: dest}, nil
}
