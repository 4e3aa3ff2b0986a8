package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	ufavonet "ufavonet-go"
	"ufavonet-go/client"
	"ufavonet-go/packet"
	"ufavonet-go/pkg/logging"
	"ufavonet-go/pkg/metrics"
)

const version = "1.0.0"

type config struct {
	ServerAddr   string
	MetricsAddr  string
	TickInterval time.Duration
	Settings     ufavonet.Settings
}

func loadConfig() config {
	addr := "127.0.0.1:7777"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}
	return config{
		ServerAddr:   addr,
		MetricsAddr:  ":9101",
		TickInterval: 50 * time.Millisecond,
		Settings: ufavonet.Settings{
			PendingConnTimeoutTick: 20,
			TimeoutTick:            30,
			KickNoticeTick:         5,
			ExpectedTickTolerance:  8192,
		},
	}
}

func main() {
	logging.Banner("Ufavonet Client", version)
	cfg := loadConfig()
	log := logging.New("main")

	collector := metrics.NewClientCollector("ufavonet_client", nil)
	prometheus.MustRegister(collector)

	ctx, cancel := context.WithCancel(context.Background())
	established := false
	reliableCounter := 0

	events := client.Events{
		OnConnect: func(in, out *packet.Packet) {
			if in == nil {
				// First call, from NewClient: nothing to answer yet.
				return
			}
			x, err := in.ReadUint32()
			if err != nil {
				return
			}
			y, err := in.ReadUint32()
			if err != nil {
				return
			}
			if err := out.WriteUint32(x + y); err != nil {
				log.Warn("failed to answer connect challenge: %v", err)
			}
		},
		OnDisconnect: func(reason ufavonet.KickReason) {
			log.Info("disconnected: %s", reason)
			cancel()
		},
		OnMessageAck: func(iid uint32) {
			log.Debug("server acked message %d", iid)
		},
		OnReceivePkt: func(in *packet.Packet) {
			if !established {
				established = true
				log.Success("connected to %s", cfg.ServerAddr)
			}
			buf := make([]byte, in.Readable())
			if err := in.Read(buf); err != nil {
				return
			}
			log.Debug("server says %q", buf)
		},
		OnReceiveMsg: func(payload *packet.Packet) {
			buf := make([]byte, payload.Readable())
			if err := payload.Read(buf); err != nil {
				return
			}
			log.Info("reliable message from server: %q", buf)
		},
		OnSendPkt: func(out *packet.Packet) {
			_ = out.Write([]byte("Hello from client.\x00"))
		},
	}

	cli, err := client.NewClient(cfg.ServerAddr, cfg.Settings, events)
	if err != nil {
		log.Fatal("failed to connect: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(cfg.TickInterval)
		defer ticker.Stop()
		reliableTicker := time.NewTicker(time.Second)
		defer reliableTicker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-reliableTicker.C:
				if established {
					reliableCounter++
					if _, err := cli.SendMessage([]byte(fmt.Sprintf("counter=%d", reliableCounter))); err != nil {
						log.Warn("failed to queue reliable message: %v", err)
					}
				}
			case <-ticker.C:
				if err := cli.Process(); err != nil {
					return err
				}
				collector.Update(cli.Stats(), established)
			}
		}
	})

	g.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		httpSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			<-gctx.Done()
			httpSrv.Close()
		}()
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case sig := <-sigChan:
			log.Warn("received signal: %v, disconnecting gracefully", sig)
			cli.Disconnect()
			return nil
		}
	})

	if err := g.Wait(); err != nil {
		log.Fatal("client error: %v", err)
	}
}
