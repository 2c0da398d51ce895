/*
 Copyright The FairSched Authors

 Licensed under the Apache License, Version 2.0 (the "License");
 you may not use this file except in compliance with the License.
 You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/fairsched/fairsched-core/pkg/common/configs"
	"github.com/fairsched/fairsched-core/pkg/common/resources"
	"github.com/fairsched/fairsched-core/pkg/log"
	"github.com/fairsched/fairsched-core/pkg/queue"
	"github.com/fairsched/fairsched-core/pkg/scheduler"
	"github.com/fairsched/fairsched-core/pkg/trace"
	"github.com/fairsched/fairsched-core/pkg/webservice"
)

// fairschedd runs the scheduling core with the development collaborators:
// a static registry file stands in for the identity service, builds are
// logged instead of sent to a compute platform. Production deployments
// embed the scheduler package with their own collaborator implementations.
func main() {
	configPath := flag.String("config", "", "path to the scheduler yaml configuration")
	registryPath := flag.String("registry", "", "path to the project and user registry yaml")
	flag.Parse()

	conf := configs.DefaultSchedulerConfig()
	if *configPath != "" {
		var err error
		conf, err = configs.LoadSchedulerConfig(*configPath)
		if err != nil {
			log.Log(log.Core).Fatal("failed to load configuration", zap.Error(err))
		}
	}

	registry, err := loadRegistry(*registryPath)
	if err != nil {
		log.Log(log.Core).Fatal("failed to load registry", zap.Error(err))
	}

	tracer, closer, err := trace.NewTracerFromEnv("fairschedd")
	if err != nil {
		log.Log(log.Core).Fatal("failed to initialize tracer", zap.Error(err))
	}
	defer closer.Close()
	trace.InitGlobalTracer(tracer)

	ctx := context.Background()
	store, cleanup, err := newStore(ctx, conf)
	if err != nil {
		log.Log(log.Core).Fatal("failed to initialize queue store", zap.Error(err))
	}
	defer cleanup()

	sched, err := scheduler.New(conf, registry, noopUsage{}, &loggingController{}, store)
	if err != nil {
		log.Log(log.Core).Fatal("failed to build scheduler", zap.Error(err))
	}
	if err = sched.Start(ctx); err != nil {
		log.Log(log.Core).Fatal("failed to start scheduler", zap.Error(err))
	}

	web := webservice.NewWebApp(sched, conf.Web.Port)
	web.StartWebApp()

	if *configPath != "" {
		watchConfig(*configPath, sched)
	}

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signalCh
	log.Log(log.Core).Info("shutting down", zap.String("signal", sig.String()))

	if err = web.StopWebApp(); err != nil {
		log.Log(log.Core).Warn("web-app shutdown failed", zap.Error(err))
	}
	sched.Stop()
}

// poolReloader applies shared pool changes from an edited configuration
// file to the running scheduler. Other settings need a restart.
type poolReloader struct {
	sched *scheduler.Scheduler
}

func (r *poolReloader) DoReloadConfiguration(conf *configs.SchedulerConfig) error {
	limit, err := resources.NewResourceFromConf(conf.SharedPool.Resources)
	if err != nil {
		return err
	}
	shared := r.sched.SharedQuota()
	shared.SetLimit(limit)
	if conf.SharedPool.Enabled {
		shared.Enable()
	} else {
		shared.Disable()
	}
	return nil
}

// watchConfig keeps a config watcher alive for the process lifetime. The
// watcher stops after every handled change, the ticker restarts it.
func watchConfig(path string, sched *scheduler.Scheduler) {
	watcher := configs.CreateConfigWatcher(path, &poolReloader{sched: sched}, time.Hour)
	watcher.Run()
	go func() {
		for range time.Tick(30 * time.Second) {
			watcher.Run()
		}
	}()
}

// newStore picks the durable postgres store when a DSN is configured, the
// in-memory store otherwise.
func newStore(ctx context.Context, conf *configs.SchedulerConfig) (queue.Store, func(), error) {
	if conf.Store.PostgresDSN == "" {
		log.Log(log.Store).Info("using in-memory queue store")
		return queue.NewMemoryStore(), func() {}, nil
	}
	pool, err := pgxpool.New(ctx, conf.Store.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	store, err := queue.NewPostgresStore(pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err = store.Init(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	log.Log(log.Store).Info("using postgres queue store")
	return store, pool.Close, nil
}
