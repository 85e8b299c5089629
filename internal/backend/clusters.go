package backend

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"pkt.systems/chaosdeck/schema"
)

// ListClusters returns the pool as seen by sessionID.
func (c *Client) ListClusters(ctx context.Context, sessionID schema.SessionID) (schema.ClusterPool, error) {
	query := url.Values{}
	query.Set("session_id", string(sessionID))
	var out schema.ClusterPool
	err := c.call(ctx, request{method: http.MethodGet, path: "/clusters", query: query}, &out)
	return out, err
}

// ClaimCluster asks the backend for a cluster, preferring the named one.
func (c *Client) ClaimCluster(ctx context.Context, sessionID schema.SessionID, preferred schema.ClusterName) (schema.ClaimClusterResponse, error) {
	var out schema.ClaimClusterResponse
	err := c.call(ctx, request{
		method: http.MethodPost,
		path:   "/clusters/claim",
		body:   schema.ClaimClusterRequest{SessionID: sessionID, Preferred: preferred},
	}, &out)
	if errors.Is(err, schema.ErrConflict) {
		return out, errors.Join(schema.ErrNoClustersAvailable, err)
	}
	return out, err
}

// ReleaseCluster drops the lease held by sessionID.
func (c *Client) ReleaseCluster(ctx context.Context, sessionID schema.SessionID) error {
	return c.call(ctx, request{
		method: http.MethodPost,
		path:   "/clusters/release",
		body:   schema.ReleaseClusterRequest{SessionID: sessionID},
	}, nil)
}
