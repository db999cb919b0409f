package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/escrow-hub/escrow-hub/internal/application/policy"
	"github.com/escrow-hub/escrow-hub/internal/config"
	ledgerapi "github.com/escrow-hub/escrow-hub/internal/ledger/api"
	"github.com/escrow-hub/escrow-hub/internal/ledger/consensus"
	"github.com/escrow-hub/escrow-hub/internal/ledger/contract"
)

func main() {
	cfg, err := config.LoadNode()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	threshold := contract.DefaultThreshold
	if cfg.ThresholdExpression != "" {
		compiled, err := policy.CompileThreshold(cfg.ThresholdExpression)
		if err != nil {
			log.Fatalf("threshold expression error: %v", err)
		}
		threshold = compiled
	}

	node, err := consensus.NewNode(consensus.Config{
		NodeID:         cfg.NodeID,
		RaftAddr:       cfg.RaftAddr,
		DataDir:        cfg.DataDir,
		Bootstrap:      cfg.Bootstrap,
		SnapshotRetain: cfg.SnapshotRetain,
		ApplyTimeout:   cfg.ApplyTimeout,
	}, contract.Config{
		TokenDecimals: cfg.TokenDecimals,
		IssuanceFee:   cfg.IssuanceFee,
		Admin:         cfg.AdminAddress,
		Threshold:     threshold,
	})
	if err != nil {
		log.Fatalf("create raft node: %v", err)
	}
	defer func() {
		_ = node.Shutdown()
	}()

	joinEndpoint := strings.TrimSpace(os.Getenv("JOIN_ENDPOINT"))
	if !cfg.Bootstrap && joinEndpoint != "" {
		if err := joinCluster(joinEndpoint, cfg.NodeID, cfg.RaftAddr); err != nil {
			log.Printf("join cluster failed: %v", err)
		} else {
			log.Printf("joined cluster via %s", joinEndpoint)
		}
	}

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 4*time.Second)
	_, _ = node.WaitForLeader(startupCtx, 150*time.Millisecond)
	cancelStartup()

	apiServer := ledgerapi.NewServer(node, cfg.AdminTokenHash)
	httpServer := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      apiServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("ledger node listening on %s (node_id=%s raft_addr=%s bootstrap=%t)", cfg.ServerAddr, cfg.NodeID, cfg.RaftAddr, cfg.Bootstrap)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = node.Shutdown()
}

// joinCluster asks an existing node to add this one as a voter. The leader
// checks JOIN_ADMIN_TOKEN against its configured bcrypt hash.
func joinCluster(endpoint, nodeID, raftAddr string) error {
	url := strings.TrimRight(endpoint, "/") + "/v1/ledger/raft/join"
	body, err := json.Marshal(map[string]string{
		"node_id":   nodeID,
		"raft_addr": raftAddr,
	})
	if err != nil {
		return err
	}

	retries := 30
	retryDelay := time.Second
	client := &http.Client{Timeout: 5 * time.Second}
	var lastErr error
	for i := 0; i < retries; i++ {
		req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if token := strings.TrimSpace(os.Getenv("JOIN_ADMIN_TOKEN")); token != "" {
			req.Header.Set("X-Admin-Token", token)
		}
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(retryDelay)
			continue
		}
		if resp.Body != nil {
			_ = resp.Body.Close()
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("join returned status %d", resp.StatusCode)
		time.Sleep(retryDelay)
	}
	if lastErr == nil {
		lastErr = errors.New("join failed")
	}
	return lastErr
}
