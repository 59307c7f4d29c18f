package cmd

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/spf13/cobra"

	"github.com/srediag/plugin-dgram/api"
)

var (
	benchCmd = &cobra.Command{
		Use:   "bench",
		Short: "Send datagrams to an echo node and report round trip times",
		RunE:  startBench,
	}
	benchFlags = benchOptions{}
)

func init() {
	benchCmd.Flags().StringVar(&benchFlags.Target, "target", "127.0.0.1:7700", "address of the echo node")
	benchCmd.Flags().IntVarP(&benchFlags.Count, "count", "n", 1000, "datagrams to send")
	benchCmd.Flags().IntVar(&benchFlags.Size, "size", 64, "payload size in bytes, at least 8")
	benchCmd.Flags().IntVarP(&benchFlags.Workers, "workers", "w", 8, "concurrent senders")
	benchCmd.Flags().DurationVar(&benchFlags.Timeout, "timeout", time.Second, "how long to wait for each echo")
	Root.AddCommand(benchCmd)
}

type benchOptions struct {
	Target  string
	Count   int
	Size    int
	Workers int
	Timeout time.Duration
}

func (o benchOptions) verify() error {
	switch {
	case o.Count <= 0:
		return fmt.Errorf("count %d: %w", o.Count, api.ErrInvalidArgument)
	case o.Size < 8 || o.Size > 65507:
		return fmt.Errorf("size %d: %w", o.Size, api.ErrInvalidArgument)
	case o.Workers <= 0:
		return fmt.Errorf("workers %d: %w", o.Workers, api.ErrInvalidArgument)
	case o.Timeout <= 0:
		return fmt.Errorf("timeout %v: %w", o.Timeout, api.ErrInvalidArgument)
	}
	return nil
}

type benchResult struct {
	Sent    uint64
	Echoed  uint64
	Lost    uint64
	Errors  uint64
	Elapsed time.Duration
	RTTs    []time.Duration
}

func (r benchResult) percentile(p float64) time.Duration {
	if len(r.RTTs) == 0 {
		return 0
	}
	idx := int(p * float64(len(r.RTTs)-1))
	return r.RTTs[idx]
}

func (r benchResult) print(w io.Writer) {
	fmt.Fprintf(w, "sent %d, echoed %d, lost %d, errors %d in %v\n",
		r.Sent, r.Echoed, r.Lost, r.Errors, r.Elapsed.Round(time.Millisecond))
	if len(r.RTTs) == 0 {
		return
	}
	var total time.Duration
	for _, d := range r.RTTs {
		total += d
	}
	fmt.Fprintf(w, "rtt min %v avg %v p50 %v p99 %v max %v\n",
		r.RTTs[0], total/time.Duration(len(r.RTTs)), r.percentile(0.5), r.percentile(0.99), r.RTTs[len(r.RTTs)-1])
	if secs := r.Elapsed.Seconds(); secs > 0 {
		fmt.Fprintf(w, "throughput %.0f datagrams/s\n", float64(r.Echoed)/secs)
	}
}

func startBench(cmd *cobra.Command, args []string) error {
	res, err := runBench(cmd.Context(), benchFlags)
	if err != nil {
		return err
	}
	res.print(cmd.OutOrStdout())
	return nil
}

// runBench sends Count datagrams from Workers sockets. Each payload starts
// with a big endian sequence number so stale echoes can be told apart.
func runBench(ctx context.Context, o benchOptions) (benchResult, error) {
	if err := o.verify(); err != nil {
		return benchResult{}, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raddr, err := net.ResolveUDPAddr("udp", o.Target)
	if err != nil {
		return benchResult{}, err
	}

	conns := make(chan *net.UDPConn, o.Workers)
	for i := 0; i < o.Workers; i++ {
		c, err := net.DialUDP("udp", nil, raddr)
		if err != nil {
			close(conns)
			for c := range conns {
				_ = c.Close()
			}
			return benchResult{}, err
		}
		conns <- c
	}
	defer func() {
		close(conns)
		for c := range conns {
			_ = c.Close()
		}
	}()

	pool, err := ants.NewPool(o.Workers)
	if err != nil {
		return benchResult{}, err
	}
	defer pool.Release()

	var (
		res  benchResult
		mu   sync.Mutex
		seq  atomic.Uint64
		wg   sync.WaitGroup
		errs atomic.Uint64
	)
	start := time.Now()
	for i := 0; i < o.Count; i++ {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		task := func() {
			defer wg.Done()
			c := <-conns
			defer func() { conns <- c }()

			rtt, err := echoOnce(c, seq.Add(1), o.Size, o.Timeout)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				res.Sent++
				res.Echoed++
				res.RTTs = append(res.RTTs, rtt)
			case errors.Is(err, errNoEcho):
				res.Sent++
				res.Lost++
			default:
				errs.Add(1)
			}
		}
		if err := pool.Submit(task); err != nil {
			wg.Done()
			errs.Add(1)
		}
	}
	wg.Wait()
	res.Elapsed = time.Since(start)
	res.Errors = errs.Load()
	slices.Sort(res.RTTs)
	return res, ctx.Err()
}

var errNoEcho = errors.New("no echo before timeout")

func echoOnce(c *net.UDPConn, n uint64, size int, timeout time.Duration) (time.Duration, error) {
	out := make([]byte, size)
	binary.BigEndian.PutUint64(out, n)
	sentAt := time.Now()
	if _, err := c.Write(out); err != nil {
		return 0, err
	}
	if err := c.SetReadDeadline(sentAt.Add(timeout)); err != nil {
		return 0, err
	}
	in := make([]byte, size)
	for {
		got, err := c.Read(in)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return 0, errNoEcho
			}
			return 0, err
		}
		if got >= 8 && binary.BigEndian.Uint64(in) == n {
			return time.Since(sentAt), nil
		}
	}
}
