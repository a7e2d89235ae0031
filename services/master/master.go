// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// The mosaik master binary supervises a set of server worker
// processes. Workers that die are restarted; in dev mode a filesystem
// watch on the resource directory triggers a reload of all workers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/mosaik/core/logger"
)

// Service holds the master configuration from the environment.
type Service struct {
	ServerBinary    string `env:"SERVER_BINARY,default=mosaik-server" description:"path to the server binary"`
	Workers         int    `env:"WORKERS,default=1" description:"number of worker processes"`
	StartupSeconds  int    `env:"STARTUP_TIMEOUT,default=10" description:"seconds a worker must survive to count as started"`
	ShutdownSeconds int    `env:"SHUTDOWN_TIMEOUT,default=10" description:"seconds to wait before killing a worker"`
	WatchPath       string `env:"WATCH_PATH,optional" description:"resource directory to watch for dev hot-reload"`
	LogLevel        string `env:"LOG_LEVEL,default=info"`
}

type master struct {
	service    *Service
	configPath string
	rlog       *logrus.Entry

	mu      sync.Mutex
	workers map[int]*exec.Cmd
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <config.yaml>\n", os.Args[0])
		os.Exit(1)
	}

	level, err := logrus.ParseLevel(service.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.InitLogger(level)

	m := &master{
		service:    service,
		configPath: os.Args[1],
		rlog:       logger.Default(),
		workers:    map[int]*exec.Cmd{},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := m.run(ctx); err != nil {
		m.rlog.Errorln(err)
		os.Exit(1)
	}
}

func (m *master) run(ctx context.Context) error {
	var group sync.WaitGroup
	for i := 0; i < m.service.Workers; i++ {
		group.Add(1)
		go func(slot int) {
			defer group.Done()
			m.superviseWorker(ctx, slot)
		}(i)
	}

	if m.service.WatchPath != "" {
		group.Add(1)
		go func() {
			defer group.Done()
			m.watch(ctx)
		}()
	}

	<-ctx.Done()
	m.rlog.Infoln("shutting down workers")
	m.shutdownWorkers()
	group.Wait()
	return nil
}

// superviseWorker keeps one worker slot occupied. A worker that exits
// within the startup timeout is considered broken and terminates the
// master with a non-zero exit code.
func (m *master) superviseWorker(ctx context.Context, slot int) {
	for ctx.Err() == nil {
		cmd := exec.Command(m.service.ServerBinary, m.configPath)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Env = os.Environ()

		started := time.Now()
		if err := cmd.Start(); err != nil {
			m.rlog.Errorln("cannot start worker:", err)
			os.Exit(1)
		}
		m.rlog.Infof("worker %d started, pid %d", slot, cmd.Process.Pid)
		m.trackWorker(slot, cmd)

		err := cmd.Wait()
		m.trackWorker(slot, nil)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) < time.Duration(m.service.StartupSeconds)*time.Second {
			m.rlog.Errorf("worker %d died during startup: %v", slot, err)
			os.Exit(1)
		}
		m.rlog.Warnf("worker %d died: %v, restarting", slot, err)
	}
}

func (m *master) trackWorker(slot int, cmd *exec.Cmd) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cmd == nil {
		delete(m.workers, slot)
	} else {
		m.workers[slot] = cmd
	}
}

// shutdownWorkers sends SIGTERM and escalates to SIGKILL after the
// shutdown timeout.
func (m *master) shutdownWorkers() {
	m.mu.Lock()
	cmds := make([]*exec.Cmd, 0, len(m.workers))
	for _, cmd := range m.workers {
		cmds = append(cmds, cmd)
	}
	m.mu.Unlock()

	for _, cmd := range cmds {
		cmd.Process.Signal(syscall.SIGTERM)
	}
	deadline := time.After(time.Duration(m.service.ShutdownSeconds) * time.Second)
	done := make(chan struct{})
	go func() {
		for _, cmd := range cmds {
			cmd.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-deadline:
		for _, cmd := range cmds {
			m.rlog.Warnf("killing worker pid %d", cmd.Process.Pid)
			cmd.Process.Kill()
		}
	}
}

// watch signals all workers to reload when the resource directory
// changes. Events are debounced, editors tend to produce bursts.
func (m *master) watch(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.rlog.Errorln("cannot watch:", err)
		return
	}
	defer watcher.Close()

	if err := addRecursive(watcher, m.service.WatchPath); err != nil {
		m.rlog.Errorln("cannot watch:", err)
		return
	}
	m.rlog.Infoln("watching", m.service.WatchPath)

	var pending *time.Timer
	reload := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(300*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.rlog.Warnln("watch error:", err)
		case <-reload:
			m.rlog.Infoln("resource configuration changed, reloading workers")
			m.signalWorkers(syscall.SIGHUP)
		}
	}
}

func (m *master) signalWorkers(sig syscall.Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cmd := range m.workers {
		cmd.Process.Signal(sig)
	}
}

func addRecursive(watcher *fsnotify.Watcher, root string) error {
	if err := watcher.Add(root); err != nil {
		return err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			if err := addRecursive(watcher, root+"/"+entry.Name()); err != nil {
				return err
			}
		}
	}
	return nil
}
