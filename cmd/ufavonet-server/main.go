package main

import (
	"context"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	ufavonet "ufavonet-go"
	"ufavonet-go/packet"
	"ufavonet-go/pkg/logging"
	"ufavonet-go/pkg/metrics"
	"ufavonet-go/server"
)

const version = "1.0.0"

type config struct {
	Addr         string
	MetricsAddr  string
	TickInterval time.Duration
	Settings     ufavonet.Settings
}

func loadConfig() config {
	return config{
		Addr:         "0.0.0.0:7777",
		MetricsAddr:  ":9100",
		TickInterval: 50 * time.Millisecond,
		Settings: ufavonet.Settings{
			PendingConnTimeoutTick: 20,
			TimeoutTick:            30,
			KickNoticeTick:         5,
			ExpectedTickTolerance:  8192,
		},
	}
}

type connectChallenge struct {
	x, y uint32
}

func main() {
	logging.Banner("Ufavonet Server", version)
	cfg := loadConfig()
	log := logging.New("main")

	collector := metrics.NewServerCollector("ufavonet_server", nil)
	prometheus.MustRegister(collector)

	ctx, cancel := context.WithCancel(context.Background())

	events := server.Events{
		OnConnect: func(client *server.ClientRecord, in, out *packet.Packet, userdata interface{}) ufavonet.ConnectResult {
			if client.UserData() == nil {
				challenge := connectChallenge{x: rand.Uint32(), y: rand.Uint32()}
				if err := out.WriteUint32(challenge.x); err != nil {
					return ufavonet.ConnectRefuse
				}
				if err := out.WriteUint32(challenge.y); err != nil {
					return ufavonet.ConnectRefuse
				}
				client.SetUserData(challenge)
				return ufavonet.ConnectAgain
			}
			challenge := client.UserData().(connectChallenge)
			sum, err := in.ReadUint32()
			if err != nil || sum != challenge.x+challenge.y {
				log.Warn("client %s failed connect challenge", client.Addr())
				return ufavonet.ConnectRefuse
			}
			log.Success("client %s connected (trace %s)", client.Addr(), client.TraceID())
			return ufavonet.ConnectAllow
		},
		OnDisconnect: func(client *server.ClientRecord, reason ufavonet.KickReason) {
			log.Info("client %s disconnected: %s", client.Addr(), reason)
		},
		OnMessageAck: func(client *server.ClientRecord, iid uint32) {
			log.Debug("client %s acked message %d", client.Addr(), iid)
		},
		OnReceivePkt: func(client *server.ClientRecord, in *packet.Packet) {
			buf := make([]byte, in.Readable())
			if err := in.Read(buf); err != nil {
				return
			}
			log.Debug("client %s says %q", client.Addr(), buf)
		},
		OnReceiveMsg: func(client *server.ClientRecord, payload *packet.Packet) {
			buf := make([]byte, payload.Readable())
			if err := payload.Read(buf); err != nil {
				return
			}
			log.Info("client %s reliable message: %q", client.Addr(), buf)
		},
		OnSendPkt: func(client *server.ClientRecord, out *packet.Packet) {
			_ = out.Write([]byte("Hello from server.\x00"))
		},
		OnSrvClose: func() {
			log.Success("server closed")
			cancel()
		},
	}

	srv, err := server.NewServer(cfg.Addr, cfg.Settings, events, nil)
	if err != nil {
		log.Fatal("failed to start server: %v", err)
	}
	log.Success("listening on %s", cfg.Addr)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := srv.Process(); err != nil {
					return err
				}
				collector.Update(srv.Stats(), len(srv.Clients()))
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
			log.Warn("received signal: %v, closing gracefully", sig)
			srv.Close()
			return nil
		}
	})

	if err := g.Wait(); err != nil {
		log.Fatal("server error: %v", err)
	}
}
