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

package configs

import (
	"bytes"
	"crypto/sha256"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fairsched/fairsched-core/pkg/log"
)

// ConfigReloader is the callback invoked with the freshly parsed
// configuration when the watched file changes.
type ConfigReloader interface {
	DoReloadConfiguration(conf *SchedulerConfig) error
}

// ConfigWatcher polls a configuration file and triggers the reloader when
// its checksum changes. It stops after the first detected change or when
// the expiration time is reached, callers restart it per reload cycle.
type ConfigWatcher struct {
	path       string
	reloader   ConfigReloader
	expireTime time.Duration
	interval   time.Duration
	checksum   [sha256.Size]byte
	soloChan   chan interface{}
	lock       sync.Mutex
}

func CreateConfigWatcher(path string, reloader ConfigReloader, expiration time.Duration) *ConfigWatcher {
	cw := &ConfigWatcher{
		path:       path,
		reloader:   reloader,
		expireTime: expiration,
		interval:   time.Second,
		soloChan:   make(chan interface{}, 1),
	}
	if buf, err := os.ReadFile(path); err == nil {
		cw.checksum = sha256.Sum256(buf)
	}
	return cw
}

// runOnce returns true while the file is unchanged, false once a change was
// handled or the file became unreadable.
func (cw *ConfigWatcher) runOnce() bool {
	cw.lock.Lock()
	defer cw.lock.Unlock()

	buf, err := os.ReadFile(cw.path)
	if err != nil {
		log.Log(log.Config).Warn("failed to read configuration file, ignore reloading",
			zap.String("path", cw.path),
			zap.Error(err))
		return false
	}
	checksum := sha256.Sum256(buf)
	if bytes.Equal(checksum[:], cw.checksum[:]) {
		log.Log(log.Config).Debug("configuration file unchanged")
		return true
	}

	log.Log(log.Config).Debug("configuration file changed")
	conf, err := ParseSchedulerConfig(buf)
	if err != nil {
		// keep running with the previous configuration
		log.Log(log.Config).Warn("changed configuration file is invalid, keeping current",
			zap.Error(err))
		cw.checksum = checksum
		return true
	}
	cw.checksum = checksum
	if err = cw.reloader.DoReloadConfiguration(conf); err != nil {
		log.Log(log.Config).Warn("configuration reload failed", zap.Error(err))
	} else {
		log.Log(log.Config).Info("configuration is successfully reloaded")
	}
	return false
}

// Run kicks off the watch loop, a second Run while one is active is a noop.
func (cw *ConfigWatcher) Run() {
	select {
	case cw.soloChan <- 0:
		ticker := time.NewTicker(cw.interval)
		quit := make(chan bool, 1)
		go func() {
			for {
				select {
				case <-ticker.C:
					if !cw.runOnce() {
						<-cw.soloChan
						ticker.Stop()
						return
					}
				case <-quit:
					<-cw.soloChan
					ticker.Stop()
					return
				}
			}
		}()

		time.AfterFunc(cw.expireTime, func() {
			quit <- true
		})
	default:
		log.Log(log.Config).Info("config watcher is already running")
	}
}
