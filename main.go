// Command granite exercises the hierarchical lock manager under load: mixed
// global/database scoped locking, partitioned intent traffic, and the
// compatibleFirst read-only churn. Useful for eyeballing throughput and for
// shaking out interleavings that unit tests are too polite to produce.
package main

import (
	"context"
	"log"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/urfave/cli/v3"

	"granite/pkg/concurrency/lock"
	"granite/pkg/concurrency/locks"
	"granite/pkg/concurrency/ticket"
	"granite/pkg/operation"
)

func main() {
	app := &cli.Command{
		Name:  "granite",
		Usage: "stress and demo workloads for the lock manager",
		Commands: []*cli.Command{
			{
				Name:   "stress",
				Usage:  "mixed global/database scoped locking across goroutines",
				Action: runStress,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "goroutines",
						Value: 16,
						Usage: "number of concurrent operations",
					},
					&cli.IntFlag{
						Name:  "iterations",
						Value: 5000,
						Usage: "iterations per goroutine",
					},
				},
			},
			{
				Name:   "stress-partitioned",
				Usage:  "intent-heavy traffic on the partitioned global resource",
				Action: runStressPartitioned,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "goroutines",
						Value: 16,
						Usage: "number of concurrent operations",
					},
					&cli.IntFlag{
						Name:  "iterations",
						Value: 5000,
						Usage: "iterations per goroutine",
					},
				},
			},
			{
				Name:   "compatible-first",
				Usage:  "read-only interval churn against try-acquires in all modes",
				Action: runCompatibleFirst,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "goroutines",
						Value: 8,
						Usage: "number of concurrent operations",
					},
					&cli.DurationFlag{
						Name:  "duration",
						Value: 2 * time.Second,
						Usage: "how long to run",
					},
					&cli.IntFlag{
						Name:  "tickets",
						Value: 0,
						Usage: "throttle global admission to this many tickets (0 = off)",
					},
				},
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func runStress(_ context.Context, cmd *cli.Command) error {
	goroutines := int(cmd.Int("goroutines"))
	iterations := int(cmd.Int("iterations"))

	reg := operation.NewRegistry(lock.NewManager())
	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(goroutines)

	for threadID := 0; threadID < goroutines; threadID++ {
		go func(threadID int) {
			defer wg.Done()
			ctx := reg.Begin()
			ls := ctx.Locker()

			for i := 0; i < iterations; i++ {
				sometimes := rand.Intn(15) == 0

				switch i % 7 {
				case 0:
					w := locks.NewGlobalWrite(ctx)
					w.Unlock()
				case 1:
					r := locks.NewGlobalRead(ctx)
					r.Unlock()
				case 2:
					w := locks.NewGlobalWrite(ctx)
					if sometimes {
						tr := locks.NewTempRelease(ls)
						tr.Close()
					}
					w.Unlock()
				case 3:
					w := locks.NewGlobalWrite(ctx)
					r := locks.NewGlobalRead(ctx)
					r.Unlock()
					w.Unlock()
				case 4:
					r := locks.NewGlobalRead(ctx)
					r2 := locks.NewGlobalRead(ctx)
					r2.Unlock()
					r.Unlock()
				case 5:
					d := locks.NewDBLock(ctx, "foo", lock.ModeS)
					d.Unlock()
					d2 := locks.NewDBLock(ctx, "bar", lock.ModeS)
					d2.Unlock()
				case 6:
					x := locks.NewDBLock(ctx, "foo", lock.ModeIX)
					y := locks.NewDBLock(ctx, "local", lock.ModeIX)
					if sometimes {
						tr := locks.NewTempRelease(ls)
						tr.Close()
					}
					y.Unlock()
					x.Unlock()
				}
			}
		}(threadID)
	}

	wg.Wait()
	elapsed := time.Since(start)
	total := goroutines * iterations
	log.Printf("stress: %d goroutines x %d iterations in %v (%.0f iterations/sec)",
		goroutines, iterations, elapsed, float64(total)/elapsed.Seconds())
	return nil
}

func runStressPartitioned(_ context.Context, cmd *cli.Command) error {
	goroutines := int(cmd.Int("goroutines"))
	iterations := int(cmd.Int("iterations"))

	reg := operation.NewRegistry(lock.NewManager())
	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(goroutines)

	for threadID := 0; threadID < goroutines; threadID++ {
		go func(threadID int) {
			defer wg.Done()
			ctx := reg.Begin()

			for i := 0; i < iterations; i++ {
				if threadID == 0 {
					if i%100 == 0 {
						w := locks.NewGlobalWrite(ctx)
						w.Unlock()
						continue
					} else if i%100 == 1 {
						r := locks.NewGlobalRead(ctx)
						r.Unlock()
						continue
					}
				}

				if i%2 == 0 {
					x := locks.NewDBLock(ctx, "foo", lock.ModeIS)
					x.Unlock()
				} else {
					x := locks.NewDBLock(ctx, "foo", lock.ModeIX)
					y := locks.NewDBLock(ctx, "local", lock.ModeIX)
					y.Unlock()
					x.Unlock()
				}
			}
		}(threadID)
	}

	wg.Wait()
	elapsed := time.Since(start)
	total := goroutines * iterations
	log.Printf("stress-partitioned: %d goroutines x %d iterations in %v (%.0f iterations/sec)",
		goroutines, iterations, elapsed, float64(total)/elapsed.Seconds())
	return nil
}

func runCompatibleFirst(_ context.Context, cmd *cli.Command) error {
	goroutines := int(cmd.Int("goroutines"))
	duration := cmd.Duration("duration")
	tickets := int(cmd.Int("tickets"))

	reg := operation.NewRegistry(lock.NewManager())
	var holder *ticket.Holder
	if tickets > 0 {
		holder = ticket.NewHolder(tickets)
	}

	acquisitions := make([]atomic.Uint64, goroutines)
	timeouts := make([]atomic.Uint64, goroutines)
	var done atomic.Bool

	var wg sync.WaitGroup
	wg.Add(goroutines)

	// Goroutine 0 toggles the read-only compatibleFirst interval; the rest
	// try-acquire in a mix of modes.
	for threadID := 0; threadID < goroutines; threadID++ {
		go func(threadID int) {
			defer wg.Done()
			ctx := reg.Begin()
			if holder != nil {
				ctx.Locker().SetGlobalThrottling(holder, holder)
			}

			end := time.Now().Add(duration)
			for iters := 0; ; iters++ {
				if threadID == 0 {
					if !time.Now().Before(end) {
						done.Store(true)
						return
					}
				} else if done.Load() {
					return
				}

				var g *locks.GlobalLock
				switch {
				case threadID == 0:
					g = locks.NewGlobalLock(ctx, lock.ModeS, time.Now().Add(time.Duration(iters%2)*time.Millisecond))
				case threadID%3 == 1:
					g = locks.NewGlobalLock(ctx, lock.ModeIS, time.Now())
				case threadID%3 == 2:
					g = locks.NewGlobalLock(ctx, lock.ModeIX, time.Now().Add(time.Duration(iters%2)*time.Millisecond))
				default:
					g = locks.NewGlobalLock(ctx, lock.ModeX, time.Now().Add(time.Duration(iters%2)*time.Millisecond))
				}
				if g.IsLocked() {
					acquisitions[threadID].Add(1)
				} else {
					timeouts[threadID].Add(1)
				}
				g.Unlock()
			}
		}(threadID)
	}

	wg.Wait()
	for threadID := 0; threadID < goroutines; threadID++ {
		log.Printf("goroutine %d: %d acquisitions, %d timeouts",
			threadID, acquisitions[threadID].Load(), timeouts[threadID].Load())
	}
	if holder != nil {
		holder.Close()
	}
	return nil
}
