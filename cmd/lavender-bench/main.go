// Command lavender-bench drives concurrent GET /iterations/{id}/next
// load against a running lavenderd, reporting throughput and the
// distribution of 200/202/204/500 responses. Grounded on the teacher's
// bench/tools/aisloader, a concurrent HTTP load generator against the
// object store's REST API; this swaps its transport for
// github.com/valyala/fasthttp (a pack dependency unused by the core
// server but a natural fit for a throwaway high-concurrency client).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
)

type counts struct {
	ok, accepted, stopped, errored int64
}

func main() {
	baseURL := flag.String("url", "http://127.0.0.1:51234", "lavenderd base URL")
	iterationID := flag.String("iteration", "", "iteration id to poll")
	rank := flag.Int("rank", 0, "rank to poll as")
	concurrency := flag.Int("concurrency", 8, "concurrent requesters")
	duration := flag.Duration("duration", 10*time.Second, "how long to run")
	flag.Parse()

	if *iterationID == "" {
		fmt.Println("lavender-bench: -iteration is required")
		return
	}

	url := fmt.Sprintf("%s/iterations/%s/next?rank=%d", *baseURL, *iterationID, *rank)

	var c counts
	stop := time.Now().Add(*duration)
	var wg sync.WaitGroup
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &fasthttp.Client{}
			for time.Now().Before(stop) {
				req := fasthttp.AcquireRequest()
				resp := fasthttp.AcquireResponse()
				req.SetRequestURI(url)
				req.Header.SetMethod(fasthttp.MethodGet)

				err := client.Do(req, resp)
				switch {
				case err != nil:
					atomic.AddInt64(&c.errored, 1)
				case resp.StatusCode() == 200:
					atomic.AddInt64(&c.ok, 1)
				case resp.StatusCode() == 202:
					atomic.AddInt64(&c.accepted, 1)
				case resp.StatusCode() == 204:
					atomic.AddInt64(&c.stopped, 1)
				default:
					atomic.AddInt64(&c.errored, 1)
				}
				fasthttp.ReleaseRequest(req)
				fasthttp.ReleaseResponse(resp)
			}
		}()
	}
	wg.Wait()

	total := c.ok + c.accepted + c.stopped + c.errored
	fmt.Printf("lavender-bench: %d requests in %s (ok=%d accepted=%d stopped=%d errored=%d)\n",
		total, *duration, c.ok, c.accepted, c.stopped, c.errored)
}
