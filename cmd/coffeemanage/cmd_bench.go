package main

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/yulaomao/coffeeManage/internal/store"
	"github.com/yulaomao/coffeeManage/pkg/client"
)

var (
	benchBatches     int
	benchDevices     int
	benchConcurrency int
	benchClaimSize   int
	benchFailPct     int
	benchTimeout     time.Duration
)

type benchResult struct {
	lats    []time.Duration
	elapsed time.Duration
	errors  int64
}

type benchRunSummary struct {
	opsPerSec float64
	avg       time.Duration
	p50       time.Duration
	p90       time.Duration
	p99       time.Duration
	min       time.Duration
	max       time.Duration
	completed int
}

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Dispatch batches to simulated devices and measure claim/ack throughput",
	Long: `Runs two phases against a live server:

  dispatch   --batches batches, each fanned out to --devices simulated devices
  lifecycle  every simulated device claims and acks until its queue is empty

The server must accept the ops and device roles from this client, and its
rate_limits.batch_dispatch_per_min must cover --batches or dispatches are
rejected with RATE_LIMITED.`,
	SilenceUsage: true,
	RunE:         runBench,
}

func init() {
	f := benchCmd.Flags()
	f.IntVar(&benchBatches, "batches", 20, "Number of batches to dispatch")
	f.IntVar(&benchDevices, "devices", 50, "Simulated devices per batch")
	f.IntVar(&benchConcurrency, "concurrency", 10, "Concurrent API calls")
	f.IntVar(&benchClaimSize, "claim-size", store.MaxClaim, "Commands claimed per device call")
	f.IntVar(&benchFailPct, "fail-pct", 0, "Percent of commands acked as fail")
	f.DurationVar(&benchTimeout, "timeout", 5*time.Minute, "Overall benchmark timeout")
	addClientFlags(benchCmd)
	rootCmd.AddCommand(benchCmd)
}

func benchDeviceID(i int) string {
	return "bench-" + strconv.Itoa(i)
}

func runBench(cmd *cobra.Command, args []string) error {
	if benchBatches < 1 || benchDevices < 1 || benchConcurrency < 1 {
		return fmt.Errorf("--batches, --devices and --concurrency must be positive")
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), benchTimeout)
	defer cancel()
	c := newClient()

	devices := make([]string, benchDevices)
	for i := range devices {
		devices[i] = benchDeviceID(i)
	}

	fmt.Printf("dispatch: %d batches x %d devices, concurrency %d\n", benchBatches, benchDevices, benchConcurrency)
	dispatched, batchIDs := benchDoDispatch(ctx, c, devices)
	benchPrintStats(dispatched)

	fmt.Printf("\nlifecycle: %d devices, claim size %d\n", benchDevices, benchClaimSize)
	lifecycle := benchDoLifecycle(ctx, c, devices)
	benchPrintStats(lifecycle)

	if len(batchIDs) > 0 {
		view, err := c.GetBatch(ctx, batchIDs[0])
		if err == nil {
			fmt.Printf("\nfirst batch %s: success=%d fail=%d pending=%d sent=%d\n",
				view.Info.ID, view.Counts.Success, view.Counts.Fail, view.Counts.Pending, view.Counts.Sent)
		}
	}
	if dispatched.errors > 0 || lifecycle.errors > 0 {
		return fmt.Errorf("bench finished with %d dispatch and %d lifecycle errors", dispatched.errors, lifecycle.errors)
	}
	return nil
}

func benchDoDispatch(ctx context.Context, c *client.Client, devices []string) (benchResult, []string) {
	var (
		mu   sync.Mutex
		res  benchResult
		ids  []string
		errs atomic.Int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(benchConcurrency)

	start := time.Now()
	for i := 0; i < benchBatches; i++ {
		g.Go(func() error {
			t0 := time.Now()
			out, err := c.Dispatch(gctx, store.CreateBatchRequest{
				Type:      "bench",
				DeviceIDs: devices,
				Tag:       "bench",
				Note:      fmt.Sprintf("bench batch %d", i),
			})
			if err != nil {
				errs.Add(1)
				return nil
			}
			lat := time.Since(t0)
			mu.Lock()
			res.lats = append(res.lats, lat)
			ids = append(ids, out.BatchID)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	res.elapsed = time.Since(start)
	res.errors = errs.Load()
	return res, ids
}

// benchDoLifecycle drains every device queue. Latency is per acked command,
// measured from the claim call that returned it.
func benchDoLifecycle(ctx context.Context, c *client.Client, devices []string) benchResult {
	var (
		mu    sync.Mutex
		res   benchResult
		errs  atomic.Int64
		acked atomic.Int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(benchConcurrency)

	start := time.Now()
	for _, device := range devices {
		g.Go(func() error {
			for gctx.Err() == nil {
				t0 := time.Now()
				cmds, err := c.Claim(gctx, device, benchClaimSize)
				if err != nil {
					errs.Add(1)
					return nil
				}
				if len(cmds) == 0 {
					return nil
				}
				for _, cmd := range cmds {
					status := store.StatusSuccess
					if benchFailPct > 0 && int(acked.Add(1)%100) < benchFailPct {
						status = store.StatusFail
					}
					errMsg := ""
					if status == store.StatusFail {
						errMsg = "bench failure"
					}
					if _, err := c.Ack(gctx, device, cmd.ID, status, nil, errMsg); err != nil {
						errs.Add(1)
						continue
					}
					lat := time.Since(t0)
					mu.Lock()
					res.lats = append(res.lats, lat)
					mu.Unlock()
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	res.elapsed = time.Since(start)
	res.errors = errs.Load()
	return res
}

func benchSummarize(r benchResult) benchRunSummary {
	if len(r.lats) == 0 {
		return benchRunSummary{}
	}
	slices.Sort(r.lats)

	n := len(r.lats)
	var sum time.Duration
	for _, l := range r.lats {
		sum += l
	}
	return benchRunSummary{
		opsPerSec: float64(n) / r.elapsed.Seconds(),
		avg:       sum / time.Duration(n),
		p50:       r.lats[benchPercentileIndex(n, 50)],
		p90:       r.lats[benchPercentileIndex(n, 90)],
		p99:       r.lats[benchPercentileIndex(n, 99)],
		min:       r.lats[0],
		max:       r.lats[n-1],
		completed: n,
	}
}

func benchPrintStats(r benchResult) benchRunSummary {
	if len(r.lats) == 0 {
		fmt.Println("  no successful operations")
		return benchRunSummary{}
	}

	s := benchSummarize(r)
	fmt.Printf("  completed: %d (%d errors) in %s\n", s.completed, r.errors, r.elapsed.Round(time.Millisecond))
	fmt.Printf("  ops/sec: %.1f\n", s.opsPerSec)
	fmt.Printf("  avg:     %s\n", s.avg.Round(time.Microsecond))
	fmt.Printf("  p50:     %s\n", s.p50.Round(time.Microsecond))
	fmt.Printf("  p90:     %s\n", s.p90.Round(time.Microsecond))
	fmt.Printf("  p99:     %s\n", s.p99.Round(time.Microsecond))
	fmt.Printf("  min:     %s\n", s.min.Round(time.Microsecond))
	fmt.Printf("  max:     %s\n", s.max.Round(time.Microsecond))
	return s
}

func benchPercentileIndex(n, p int) int {
	if n <= 1 || p <= 0 {
		return 0
	}
	if p >= 100 {
		return n - 1
	}
	// ceil(p*n/100) - 1
	idx := (p*n+99)/100 - 1
	if idx >= n {
		return n - 1
	}
	return idx
}
