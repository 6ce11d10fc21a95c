package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andres-erbsen/clock"
	"github.com/willf/bitset"

	"github.com/mhollis/leechcore/arbiter"
	"github.com/mhollis/leechcore/config"
	"github.com/mhollis/leechcore/core"
	"github.com/mhollis/leechcore/logging"
	"github.com/mhollis/leechcore/metrics"
	"github.com/mhollis/leechcore/storage"
	"github.com/mhollis/leechcore/swarm"
	"github.com/mhollis/leechcore/tracker/announceclient"
)

func main() {
	configFile := flag.String("config", "", "path to a yaml configuration file")
	torrentFile := flag.String("torrent", "", "path to a .torrent file, overrides the config's torrent_file")
	downloadDir := flag.String("dir", "", "download directory, overrides the config's download_dir")
	flag.Parse()

	if *configFile == "" {
		fmt.Fprintln(os.Stderr, "must specify -config")
		os.Exit(1)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %s\n", err)
		os.Exit(1)
	}
	if *torrentFile != "" {
		cfg.TorrentFile = *torrentFile
	}
	if *downloadDir != "" {
		cfg.DownloadDir = *downloadDir
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %s\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	scope, closer, err := metrics.New(cfg.Metrics)
	if err != nil {
		logger.Fatalf("init metrics: %s", err)
	}
	defer closer.Close()

	tf, err := core.LoadTorrentFileFromPath(cfg.TorrentFile)
	if err != nil {
		logger.Fatalf("load torrent file: %s", err)
	}
	infoHash, err := tf.Info.ComputeInfoHash()
	if err != nil {
		logger.Fatalf("compute info hash: %s", err)
	}
	if cfg.ExpectedInfoHash != "" {
		expected, err := core.NewInfoHashFromHex(cfg.ExpectedInfoHash)
		if err != nil {
			logger.Fatalf("parse expected_info_hash: %s", err)
		}
		if !infoHash.Equal(expected) {
			logger.Fatalf("torrent file %s has info hash %s, expected %s", cfg.TorrentFile, infoHash, expected)
		}
	}

	localPeerID, err := core.PeerIDFactory(cfg.PeerIDFactory).GeneratePeerID(cfg.AnnounceIP, cfg.ListenPort)
	if err != nil {
		logger.Fatalf("generate peer id: %s", err)
	}

	store, err := storage.New(cfg.DownloadDir, &tf.Info, logger)
	if err != nil {
		logger.Fatalf("init storage: %s", err)
	}
	var alreadyVerified *bitset.BitSet
	alreadyVerified, err = store.RestoreProgress()
	if err != nil {
		logger.Fatalf("restore progress: %s", err)
	}

	clk := clock.New()
	arb := arbiter.New(cfg.Arbiter, &tf.Info, store, clk, logger, scope, alreadyVerified)

	trackerClient := announceclient.New(tf.Announce)

	sw := swarm.New(
		cfg.Swarm, cfg.Session, clk, arb, store, trackerClient,
		infoHash, localPeerID, cfg.AnnounceIP, cfg.ListenPort, cfg.Version,
		tf.Info.NumPieces(), logger, scope,
	)
	if err := sw.Start(); err != nil {
		logger.Fatalf("start swarm: %s", err)
	}
	logger.Infow("leech core started",
		"info_hash", infoHash,
		"peer_id", localPeerID,
		"listen_port", cfg.ListenPort,
	)

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-ch:
		logger.Info("shutting down")
		sw.Stop()
		logger.Info("shutdown complete")
	case <-sw.Done():
		logger.Info("torrent fully verified, exiting")
	}
}
