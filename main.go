package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"leech/file"
	"leech/torrent"
)

func main() {
	torrentPath := flag.String("t", "", "path to the .torrent file (required)")
	outputPath := flag.String("o", "", "output path (default: name from the torrent)")
	interval := flag.Int("i", 0, "tracker re-announce interval in seconds (default: tracker's)")
	port := flag.Uint("p", uint(torrent.DefaultConfig.Port), "port reported to trackers")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	if *torrentPath == "" || *interval < 0 || *port > 65535 {
		flag.Usage()
		os.Exit(2)
	}

	tf, err := file.Open(*torrentPath)
	if err != nil {
		log.WithError(err).Fatal("could not read torrent")
	}
	if *outputPath == "" {
		*outputPath = filepath.Base(tf.Name)
	}

	config := torrent.DefaultConfig
	config.Port = uint16(*port)
	config.AnnounceInterval = time.Duration(*interval) * time.Second
	config.Logger = log
	// the progress bar and debug lines would overwrite each other
	config.ShowDownloadProgress = !*verbose

	t, err := torrent.New(tf, *outputPath, config)
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(logrus.Fields{
		"name":   tf.Name,
		"pieces": len(tf.PieceHashes),
		"output": *outputPath,
	}).Info("starting download")

	if err := t.Download(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warn("download interrupted")
			os.Exit(130)
		}
		log.WithError(err).Fatal("download failed")
	}
}
