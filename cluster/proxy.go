package cluster

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/lavenderdata/lavender/cmn/cos"
	"github.com/lavenderdata/lavender/iteration"
	"github.com/lavenderdata/lavender/shard"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const proxyTimeout = 60 * time.Second

// StateProxy is the worker-side iteration.Ops implementation used when
// cluster_sync is set (spec §4.8 "State forwarding"): every call becomes
// one POST to the head's /iterations/<id>/state/<op> endpoint.
type StateProxy struct {
	IterationID  string
	HeadURL      string
	NodeURL      string
	SharedSecret string
	Client       *http.Client
}

var _ iteration.Ops = (*StateProxy)(nil)

func NewStateProxy(iterationID, headURL, nodeURL, sharedSecret string) *StateProxy {
	return &StateProxy{
		IterationID:  iterationID,
		HeadURL:      headURL,
		NodeURL:      nodeURL,
		SharedSecret: sharedSecret,
		Client:       &http.Client{Timeout: proxyTimeout},
	}
}

type stateRequest struct {
	Op      string `json:"op"`
	NodeURL string `json:"node_url"`
	Rank    *int   `json:"rank,omitempty"`
	Index   *int64 `json:"index,omitempty"`
}

func (p *StateProxy) call(op string, rank *int, index *int64, out any) error {
	body, err := json.Marshal(stateRequest{Op: op, NodeURL: p.NodeURL, Rank: rank, Index: index})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/iterations/%s/state/%s", p.HeadURL, p.IterationID, op)

	ctx, cancel := context.WithTimeout(context.Background(), proxyTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := SetAuthHeader(req, p.SharedSecret); err != nil {
		return err
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return &cos.ErrIterationState{Op: op, Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		// The head's NextItem/GetNextSamples ran out of indices for this
		// rank; handleStateOp signals that as 204 specifically so this
		// doesn't collapse into the generic ErrIterationState below and
		// get lost on submitLoop's type switch (spec §4.7/§4.8).
		return &cos.ErrNoMoreIndices{IterationID: p.IterationID}
	}
	if resp.StatusCode != http.StatusOK {
		return &cos.ErrIterationState{Op: op, Reason: fmt.Sprintf("head returned %d", resp.StatusCode)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (p *StateProxy) Exists() bool {
	var out struct {
		Exists bool `json:"exists"`
	}
	if err := p.call("exists", nil, nil, &out); err != nil {
		return false
	}
	return out.Exists
}

func (p *StateProxy) PushbackInprogress() error {
	return p.call("pushback_inprogress", nil, nil, nil)
}

func (p *StateProxy) Complete(index int64) error {
	return p.call("complete", nil, &index, nil)
}

func (p *StateProxy) Filtered(index int64) error {
	return p.call("filtered", nil, &index, nil)
}

func (p *StateProxy) Failed(index int64) error {
	return p.call("failed", nil, &index, nil)
}

func (p *StateProxy) NextItem(rank int) (shard.GlobalSampleIndex, error) {
	var out shard.GlobalSampleIndex
	if err := p.call("next_item", &rank, nil, &out); err != nil {
		return shard.GlobalSampleIndex{}, err
	}
	return out, nil
}

func (p *StateProxy) GetRanks() ([]int, error) {
	var out struct {
		Ranks []int `json:"ranks"`
	}
	if err := p.call("get_ranks", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Ranks, nil
}

func (p *StateProxy) GetProgress() (iteration.Progress, error) {
	var out iteration.Progress
	if err := p.call("get_progress", nil, nil, &out); err != nil {
		return iteration.Progress{}, err
	}
	return out, nil
}

func (p *StateProxy) GetNextSamples(rank int) (string, iteration.ProcessNextSamplesParams, error) {
	var out struct {
		CacheKey string                             `json:"cache_key"`
		Params   iteration.ProcessNextSamplesParams `json:"params"`
	}
	if err := p.call("get_next_samples", &rank, nil, &out); err != nil {
		return "", iteration.ProcessNextSamplesParams{}, err
	}
	return out.CacheKey, out.Params, nil
}
