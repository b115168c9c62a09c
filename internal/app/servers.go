package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
)

const readHeaderTimeout = 5 * time.Second

// server — слушающий компонент Run: serve блокируется до stop.
type server struct {
	name     string
	listener net.Listener
	serve    func(net.Listener) error
	stop     func()
}

func newHTTPServer(name string, lis net.Listener, handler http.Handler, shutdownTimeout time.Duration) server {
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: readHeaderTimeout}
	return server{
		name:     name,
		listener: lis,
		serve: func(l net.Listener) error {
			if err := srv.Serve(l); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
		stop: func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				_ = srv.Close()
			}
		},
	}
}

// newGRPCServer при остановке сначала переводит health в NOT_SERVING,
// затем ждёт GracefulStop не дольше shutdownTimeout.
func newGRPCServer(lis net.Listener, srv *grpc.Server, healthServer *health.Server, shutdownTimeout time.Duration) server {
	return server{
		name:     "grpc",
		listener: lis,
		serve: func(l net.Listener) error {
			if err := srv.Serve(l); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return err
			}
			return nil
		},
		stop: func() {
			healthServer.Shutdown()
			stopped := make(chan struct{})
			go func() {
				srv.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-time.After(shutdownTimeout):
				srv.Stop()
			}
		},
	}
}

// listen открывает все адреса или, при ошибке, ни одного.
func listen(addrs ...string) ([]net.Listener, error) {
	listeners := make([]net.Listener, 0, len(addrs))
	for _, addr := range addrs {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			for _, opened := range listeners {
				_ = opened.Close()
			}
			return nil, fmt.Errorf("listen %s: %w", addr, err)
		}
		listeners = append(listeners, lis)
	}
	return listeners, nil
}

// serveAll держит серверы до отмены ctx или первой ошибки, после чего
// останавливает все. При отмене возвращает ctx.Err().
func serveAll(ctx context.Context, logger *log.Entry, servers ...server) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range servers {
		g.Go(func() error {
			logger.WithFields(log.Fields{"server": s.name, "addr": s.listener.Addr().String()}).Info("listening")
			if err := s.serve(s.listener); err != nil {
				return fmt.Errorf("%s: %w", s.name, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("stopping servers")
		for _, s := range servers {
			s.stop()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
