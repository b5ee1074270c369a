// Worker-side HTTP calls into the head's cluster endpoints: registration,
// heartbeat, and node-map recording (spec §4.8). StateProxy (proxy.go)
// handles the C5 state-forwarding half; these handle membership.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cluster

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"
)

const clientTimeout = 10 * time.Second

// Client is the worker-side handle used to register, heartbeat, and
// report prefetch progress to the head.
type Client struct {
	HeadURL      string
	NodeURL      string
	SharedSecret string
	HTTP         *http.Client
}

func NewClient(headURL, nodeURL, sharedSecret string) *Client {
	return &Client{HeadURL: headURL, NodeURL: nodeURL, SharedSecret: sharedSecret, HTTP: &http.Client{Timeout: clientTimeout}}
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.HeadURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := SetAuthHeader(req, c.SharedSecret); err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cluster: %s: head returned %d", path, resp.StatusCode)
	}
	return nil
}

// Register implements spec §4.8 Registration: "on start, a worker POSTs
// /cluster/register{node_url} to the head".
func (c *Client) Register(ctx context.Context) error {
	return c.post(ctx, "/cluster/register", nodeURLBody{NodeURL: c.NodeURL})
}

// Deregister is called on graceful worker shutdown.
func (c *Client) Deregister(ctx context.Context) error {
	return c.post(ctx, "/cluster/deregister", nodeURLBody{NodeURL: c.NodeURL})
}

// Heartbeat implements spec §4.8 Heartbeat.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.post(ctx, "/cluster/heartbeat", nodeURLBody{NodeURL: c.NodeURL})
}

// RecordSequence reports (rank, node_url, sequence) to the head's node
// map, spec §4.7 submit-loop step 2 / §4.8 "Node map".
func (c *Client) RecordSequence(ctx context.Context, rank int, seq int64) error {
	return c.post(ctx, "/cluster/node-map", nodeMapBody{NodeURL: c.NodeURL, Rank: rank, Sequence: seq})
}

type nodeURLBody struct {
	NodeURL string `json:"node_url"`
}

type nodeMapBody struct {
	NodeURL  string `json:"node_url"`
	Rank     int    `json:"rank"`
	Sequence int64  `json:"sequence"`
}

// FetchPrefetcherCurrent is the head-side node-map sync thread's call
// (spec §4.8 "Node map": "broadcasts GET /iterations/<id>/prefetcher-current
// and prunes"), issued against one worker node for one iteration.
func FetchPrefetcherCurrent(ctx context.Context, client *http.Client, nodeURL, iterationID, sharedSecret string) (map[int]int64, error) {
	url := fmt.Sprintf("%s/iterations/%s/prefetcher-current", nodeURL, iterationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if err := SetAuthHeader(req, sharedSecret); err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cluster: prefetcher-current %s: node returned %d", nodeURL, resp.StatusCode)
	}
	var out map[int]int64
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
