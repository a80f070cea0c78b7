package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	_ "net/http/pprof"

	"github.com/nzlov/wabridge/bridge"
	"github.com/nzlov/wabridge/broker"
	"github.com/nzlov/wabridge/metrics"
	"github.com/nzlov/wabridge/mirror"
	"github.com/nzlov/wabridge/pipeline"
	"github.com/nzlov/wabridge/platform/webjs"
	"github.com/nzlov/wabridge/push"
	"github.com/nzlov/wabridge/session"
	"github.com/nzlov/wabridge/store"
)

func newLogger(c LogConfig) (*zap.Logger, error) {
	zc := zap.NewDevelopmentConfig()
	if c.JSON {
		zc = zap.NewProductionConfig()
	}
	if c.Level != "" {
		lvl, err := zap.ParseAtomicLevel(c.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = lvl
	}
	return zc.Build()
}

func main() {
	cfg, envFile, err := loadConfig(viper.New())
	if err != nil {
		zap.S().Fatal("init config error:", err)
	}
	DefConfig = cfg

	l, err := newLogger(DefConfig.Log)
	if err != nil {
		zap.S().Fatal("init log error:", err)
	}
	zap.ReplaceGlobals(l)
	defer l.Sync()
	log := l.Sugar()
	if envFile {
		log.Info("loaded .env")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		http.ListenAndServe(DefConfig.PprofHost, nil)
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	mirrors := newMirrors(ctx, log)
	defer func() {
		for _, s := range mirrors {
			s.Close()
		}
	}()

	client := webjs.New(webjs.Config{
		URL:          DefConfig.Platform.URL,
		Token:        DefConfig.Platform.Token,
		Timeout:      DefConfig.Platform.Timeout,
		ReconnectMin: DefConfig.Platform.ReconnectMin,
		ReconnectMax: DefConfig.Platform.ReconnectMax,
	}, log)

	dispatcher := push.NewDispatcher(newSender(log), push.Config{
		Concurrency: DefConfig.Push.Concurrency,
		Timeout:     DefConfig.Push.Timeout,
	}, m, log)

	machine := session.New(DefConfig.BootstrapTimeout, log)
	pipe := pipeline.New(client, store.New(), nil, dispatcher, pipeline.Config{
		HistoryLimit: DefConfig.HistoryLimit,
	}, m, log)
	svc := bridge.New(client, machine, pipe, dispatcher, bridge.Config{
		QRTerminal: DefConfig.QR.Terminal,
		QRSize:     DefConfig.QR.Size,
	}, m, log)

	node := broker.NewNode(broker.Config{
		ReadBufferSize:       DefConfig.Client.ReadBufferSize,
		WriteBufferSize:      DefConfig.Client.WriteBufferSize,
		ReadMessageSizeLimit: DefConfig.Client.ReadMessageSizeLimit,
		Compression:          DefConfig.Client.Compression,
		CompressionLevel:     DefConfig.Client.CompressionLevel,
		SendBuffer:           DefConfig.Client.SendBuffer,
		Authenticate:         viewerAuth(DefConfig.Secret, DefConfig.TokenMaxAge),
	}, svc, m, log, mirrors...)
	svc.Attach(node)

	adm := &admin{
		secret:  DefConfig.AdminSecret,
		maxAge:  DefConfig.TokenMaxAge,
		svc:     svc,
		viewers: node.Len,
		log:     log.With("component", "admin"),
	}
	srv := &http.Server{
		Addr:              DefConfig.Host,
		Handler:           newRouter(node, adm, reg, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return client.Run(gctx)
	})
	g.Go(func() error {
		return svc.Run(gctx)
	})
	g.Go(func() error {
		log.Info("Start:", DefConfig.Host)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(sctx)
		node.Close()
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("exit:", err)
	}
	log.Info("close")
}

func newMirrors(ctx context.Context, log *zap.SugaredLogger) []mirror.Sink {
	sinks := []mirror.Sink{}
	if DefConfig.Redis.Enable {
		r, err := mirror.NewRedis(ctx, mirror.RedisConfig{
			Addr:    DefConfig.Redis.Host,
			Channel: DefConfig.Redis.Channel,
			Node:    DefConfig.Redis.Name,
		}, log)
		if err != nil {
			log.Fatal("redis err:", err.Error())
		}
		log.Info("Node Enable Redis Mirror:", DefConfig.Redis.Host)
		sinks = append(sinks, r)
	}
	if DefConfig.AMQP.Enable {
		a, err := mirror.NewAMQP(mirror.AMQPConfig{
			URL:   DefConfig.AMQP.URL,
			Queue: DefConfig.AMQP.Queue,
			Node:  DefConfig.Redis.Name,
		}, log)
		if err != nil {
			log.Fatal("amqp err:", err.Error())
		}
		log.Info("Node Enable AMQP Mirror:", DefConfig.AMQP.Queue)
		sinks = append(sinks, a)
	}
	return sinks
}

func newSender(log *zap.SugaredLogger) push.Sender {
	if DefConfig.Push.VAPIDPublicKey == "" || DefConfig.Push.VAPIDPrivateKey == "" {
		log.Warn("no VAPID keys, push notifications are only logged")
		return push.LogSender{Log: log}
	}
	return push.NewWebPushSender(push.VAPIDConfig{
		PublicKey:  DefConfig.Push.VAPIDPublicKey,
		PrivateKey: DefConfig.Push.VAPIDPrivateKey,
		Subscriber: DefConfig.Push.Subscriber,
		TTL:        DefConfig.Push.TTL,
	}, nil)
}
