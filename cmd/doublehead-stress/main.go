package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aradilov/doublehead/internal/config"
	"github.com/aradilov/doublehead/internal/stress"
)

func main() {
	confPath := flag.String("c", "", "path to config file (defaults are used if empty)")
	capacity := flag.Uint64("capacity", 0, "override vector capacity")
	writers := flag.Int("writers", 0, "override number of writers")
	readers := flag.Int("readers", 0, "override number of readers")
	useFeeder := flag.Bool("feeder", false, "append through a feeder")
	bounded := flag.Bool("bounded", false, "use bounded reads")
	timeout := flag.Duration("timeout", time.Minute, "abort the run after this long")
	flag.Parse()

	cfg := config.Default()
	if *confPath != "" {
		var err error
		if cfg, err = config.Load(*confPath); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	if *capacity != 0 {
		cfg.Capacity = *capacity
		cfg.AppendsPerWriter = 0
	}
	if *writers != 0 {
		cfg.Writers = *writers
		cfg.AppendsPerWriter = 0
	}
	if cfg.AppendsPerWriter == 0 {
		cfg.AppendsPerWriter = int(cfg.Capacity) / cfg.Writers
	}
	if *readers != 0 {
		cfg.Readers = *readers
	}
	cfg.UseFeeder = cfg.UseFeeder || *useFeeder
	cfg.BoundedReads = cfg.BoundedReads || *bounded

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	log.Printf("stress: capacity=%d writers=%d x %d readers=%d feeder=%v bounded=%v",
		cfg.Capacity, cfg.Writers, cfg.AppendsPerWriter, cfg.Readers, cfg.UseFeeder, cfg.BoundedReads)

	rep, err := stress.Run(ctx, cfg)
	if err != nil {
		log.Fatalf("stress run failed: %v", err)
	}

	log.Printf("appends: attempted=%d appended=%d rejected=%d unknown=%d len=%d",
		rep.Attempted, rep.Appended, rep.Rejected, rep.Unknown, rep.Len)
	log.Printf("reads: ok=%d contended=%d retries=%d", rep.Reads, rep.ReadsContended, rep.Vector.GetRetries)
	log.Printf("vector stats: %+v", rep.Vector)
	if rep.Feeder != nil {
		log.Printf("feeder stats: %+v", *rep.Feeder)
	}
	log.Printf("elapsed: %s", rep.Elapsed)

	if !rep.OK() {
		for _, v := range rep.Violations {
			log.Printf("violation: %s", v)
		}
		log.Fatalf("%d violations", len(rep.Violations))
	}
}
