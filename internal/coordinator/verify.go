// SPDX-FileCopyrightText: Copyright (C) 2025  The Crossbear Authors
// SPDX-License-Identifier: AGPL-3.0-only

package coordinator

import (
	"context"
	"net/http"

	"github.com/crossbear/hunter/core/messages"
)

// VerifyCert asks the coordinator to rate a certificate chain and returns
// its signed verdict.
func (c *Client) VerifyCert(ctx context.Context, req *messages.CertificateVerifyRequest) (*messages.CertificateVerifyResult, error) {
	body, err := messages.ToBytes(req)
	if err != nil {
		return nil, err
	}
	b, err := c.do(ctx, c.pinned, "verify", http.MethodPost, c.baseURL+c.cfg.VerifyPath, body)
	if err != nil {
		return nil, err
	}
	l, err := c.verifySigned(b)
	if err != nil {
		return nil, err
	}

	var res *messages.CertificateVerifyResult
	for _, m := range l.Messages() {
		if v, ok := m.(*messages.CertificateVerifyResult); ok {
			res = v
		}
	}
	if res == nil {
		return nil, ErrNoResult
	}
	c.log.Infof("Verification of %v (%v:%d): rating %d", req.Host, req.Addr, req.Port, res.Rating)
	return res, nil
}
