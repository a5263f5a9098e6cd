package hce

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/openrelayd/relayd/config"
)

// HTTPProber implements the HTTP(S) check method: connect,
// issue GET <path>, validate the status code and (if Table.Digest is set)
// an MD5 or SHA-1 digest of the response body.
type HTTPProber struct {
	UseTLS bool
}

func (p HTTPProber) Check(ctx context.Context, t *config.Table, h *config.Host) (bool, error) {
	scheme := "http"
	if p.UseTLS {
		scheme = "https"
	}
	path := t.Path
	if path == "" {
		path = "/"
	}
	hostport := net.JoinHostPort(h.Address, fmt.Sprintf("%d", h.Port))
	url := fmt.Sprintf("%s://%s/%s", scheme, hostport, strings.TrimPrefix(path, "/"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}

	client := &http.Client{}
	if p.UseTLS {
		client.Transport = &http.Transport{
			// Health checks validate liveness, not certificate trust chains:
			// relayd's own CA worker already governs what the relay serves,
			// and a backend's self-signed cert shouldn't flap its health
			// state.
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return false, nil
	}

	if t.Digest == "" {
		io.Copy(io.Discard, resp.Body)
		return true, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, err
	}
	return digestMatches(t.Digest, body, t.Expect), nil
}

func digestMatches(kind string, body, expect []byte) bool {
	var sum string
	switch strings.ToLower(kind) {
	case "md5":
		h := md5.Sum(body)
		sum = hex.EncodeToString(h[:])
	case "sha1":
		h := sha1.Sum(body)
		sum = hex.EncodeToString(h[:])
	default:
		return false
	}
	return strings.EqualFold(sum, strings.TrimSpace(string(expect)))
}
