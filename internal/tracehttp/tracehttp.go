// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tracehttp dumps mailbox API traffic for debugging.
package tracehttp

import (
	"net/http"
	"net/http/httputil"

	"github.com/charmbracelet/log"
)

// traceTransport is an http.RoundTripper that logs the request and
// response while delegating the real work to another
// http.RoundTripper.  Credentials are redacted before logging.
type traceTransport struct {
	delegate http.RoundTripper
	logger   *log.Logger
}

func (t *traceTransport) RoundTrip(req *http.Request) (resp *http.Response, err error) {
	dumpReq := req.Clone(req.Context())
	if dumpReq.Header.Get("Authorization") != "" {
		dumpReq.Header.Set("Authorization", "REDACTED")
	}
	// Bodies here are mail; don't dump them.
	if dump, dumpErr := httputil.DumpRequest(dumpReq, false); dumpErr == nil {
		t.logger.Debug("http request", "dump", string(dump))
	}
	resp, err = t.delegate.RoundTrip(req)
	if err == nil {
		if dump, dumpErr := httputil.DumpResponse(resp, false); dumpErr == nil {
			t.logger.Debug("http response", "dump", string(dump))
		}
	}
	return resp, err
}

// Wrap returns a RoundTripper that logs each exchange through logger
// before delegating to d.  A nil d delegates to
// http.DefaultTransport.
func Wrap(logger *log.Logger, d http.RoundTripper) http.RoundTripper {
	if d == nil {
		d = http.DefaultTransport
	}
	return &traceTransport{delegate: d, logger: logger}
}

// WrapClient installs a tracing transport on an existing client.
func WrapClient(logger *log.Logger, c *http.Client) {
	c.Transport = Wrap(logger, c.Transport)
}
