package rendezvous

/*
This file contains requests that can be made against a rendezvous server's HTTP API from any client.
*/

import (
	"context"
	"fmt"
	"strings"

	"github.com/rflandau/Lockstep/pkg/lockstep"
	"resty.dev/v3"
)

const contentType = "application/json"

// Status spawns a new resty client and uses it to make a status request against the server at baseURL.
//
// baseURL should be of the form "http://<ip>:<port>"
func Status(ctx context.Context, baseURL string) (*resty.Response, StatusResp, error) {
	if ctx == nil {
		return nil, StatusResp{}, lockstep.ErrNilCtx
	}
	cli := resty.New()
	defer cli.Close()

	sr := StatusResp{}
	res, err := cli.R().
		SetContext(ctx).
		SetExpectResponseContentType(contentType).
		SetResult(&(sr.Body)).
		Get(strings.TrimSuffix(baseURL, "/") + EPStatus)
	if err != nil {
		return res, sr, err
	}
	if res.IsError() {
		return res, sr, fmt.Errorf("status request failed: %s", res.Status())
	}
	return res, sr, nil
}
