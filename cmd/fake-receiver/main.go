package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/austindbirch/hookline/internal/config"
)

const (
	sigHeader = "X-Hookline-Signature"
	tsHeader  = "X-Hookline-Timestamp"
)

var reqCount = atomic.Int64{}

func main() {
	cfg := config.FromEnv().FakeReceiver
	maxSkew := time.Duration(cfg.LeewaySeconds) * time.Second
	responseDelay := time.Duration(cfg.ResponseDelayMS) * time.Millisecond

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", func(w http.ResponseWriter, r *http.Request) {
		handleHook(w, r, cfg.SigningKey, cfg.FailFirstN, maxSkew, responseDelay)
	})

	server := &http.Server{
		Addr:         cfg.Port,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	log.Printf("fake-receiver listening on %s", cfg.Port)
	log.Fatal(server.ListenAndServe())
}

func handleHook(w http.ResponseWriter, r *http.Request, signingKey string, failFirstN int, maxSkew, responseDelay time.Duration) {
	n := reqCount.Add(1)
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if signingKey != "" {
		if err := checkSignature(signingKey, b, r.Header.Get(tsHeader), r.Header.Get(sigHeader), maxSkew); err != nil {
			log.Printf("fake-receiver failed to verify signature: %v", err)
			http.Error(w, "invalid signature: "+err.Error(), http.StatusUnauthorized)
			return
		}
	}

	// Simulate flakiness: first N request -> 500
	if n <= int64(failFirstN) {
		log.Printf("FAILING (%d/%d) %s headers=%d body=%s", n, failFirstN, r.URL.Path, len(r.Header), clip(string(b), 160))
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	// Simulate processing delay if configured
	if responseDelay > 0 {
		time.Sleep(responseDelay)
	}

	log.Printf("fake-receiver OK %s  headers=%d body=%q", r.URL.Path, len(r.Header), clip(string(b), 160))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

// checkSignature recomputes the HMAC the worker produced over body||timestamp
// and compares it against the sha256=<hex> header. The timestamp must sit
// within leeway of the local clock in either direction.
func checkSignature(key string, body []byte, ts, sig string, leeway time.Duration) error {
	if ts == "" || sig == "" {
		return errors.New("missing headers")
	}

	sent, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return errors.New("invalid timestamp")
	}
	skew := time.Now().Unix() - sent
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(leeway.Seconds()) {
		return errors.New("timestamp outside leeway")
	}

	hexDigest, ok := strings.CutPrefix(sig, "sha256=")
	if !ok {
		return errors.New("bad signature scheme")
	}
	claimed, err := hex.DecodeString(hexDigest)
	if err != nil {
		return errors.New("signature not hex")
	}

	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	mac.Write([]byte(ts))
	if !hmac.Equal(claimed, mac.Sum(nil)) {
		return errors.New("sig mismatch")
	}
	return nil
}

// clip bounds log lines for large payloads.
func clip(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
