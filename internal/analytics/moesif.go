/*
 * Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package analytics

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/moesif/moesifapi-go"
	"github.com/moesif/moesifapi-go/models"
)

const anonymous = "anonymous"

// MoesifConfig holds the settings specific to the Moesif publisher.
type MoesifConfig struct {
	ApplicationID      string `koanf:"application_id"`
	PublishInterval    int    `koanf:"publish_interval"`
	EventQueueSize     int    `koanf:"event_queue_size"`
	BatchSize          int    `koanf:"batch_size"`
	TimerWakeupSeconds int    `koanf:"timer_wakeup_seconds"`
}

// MoesifPublisher batches completed-request events and flushes them to
// Moesif on a timer, mirroring the teacher's queue-and-flush publisher
// rather than issuing one API call per request.
type MoesifPublisher struct {
	api    moesifapi.API
	events []*models.EventModel
	mu     sync.Mutex

	publishInterval time.Duration
}

// NewMoesifPublisher builds a MoesifPublisher and starts its flush loop.
// The application ID is read from MOESIF_KEY first, falling back to cfg.
func NewMoesifPublisher(cfg MoesifConfig) *MoesifPublisher {
	applicationID := os.Getenv("MOESIF_KEY")
	if applicationID == "" {
		applicationID = cfg.ApplicationID
	}

	eventQueueSize, batchSize, timerWakeupSeconds := cfg.EventQueueSize, cfg.BatchSize, cfg.TimerWakeupSeconds
	if eventQueueSize == 0 {
		eventQueueSize = 10000
	}
	if batchSize == 0 {
		batchSize = 50
	}
	if timerWakeupSeconds == 0 {
		timerWakeupSeconds = 3
	}

	publishInterval := time.Duration(cfg.PublishInterval) * time.Second
	if publishInterval == 0 {
		publishInterval = 5 * time.Second
	}

	p := &MoesifPublisher{
		api:             moesifapi.NewAPI(applicationID, nil, eventQueueSize, batchSize, timerWakeupSeconds),
		publishInterval: publishInterval,
	}

	go p.flushLoop()
	return p
}

func (p *MoesifPublisher) flushLoop() {
	for {
		time.Sleep(p.publishInterval)
		p.mu.Lock()
		if len(p.events) > 0 {
			slog.Info(fmt.Sprintf("publishing %d events to moesif", len(p.events)))
			if err := p.api.QueueEvents(p.events); err != nil {
				slog.Error("failed to publish events to moesif", "error", err)
			}
			p.events = nil
		}
		p.mu.Unlock()
	}
}

// Publish queues event for the next flush. Never blocks on network I/O.
func (p *MoesifPublisher) Publish(event Event) {
	req := models.EventRequestModel{
		Time:       &event.RequestTime,
		Uri:        event.Authority + event.Path,
		Verb:       event.Method,
		ApiVersion: nil,
		Headers:    map[string]interface{}{},
		Body:       nil,
	}

	respTime := event.ResponseTime
	if respTime.IsZero() {
		respTime = event.RequestTime
	}
	rsp := models.EventResponseModel{
		Time:    &respTime,
		Status:  event.StatusCode,
		Headers: map[string]string{},
	}

	metadata := map[string]interface{}{
		"requestId":     event.RequestID,
		"actionSet":     event.ActionSetName,
		"outcome":       string(event.Outcome),
		"terminatedBy":  event.TerminatedBy,
		"dispatchCount": event.DispatchCount,
	}

	userID := anonymous
	model := &models.EventModel{
		Request:  req,
		Response: rsp,
		UserId:   &userID,
		Metadata: metadata,
	}

	p.mu.Lock()
	p.events = append(p.events, model)
	p.mu.Unlock()
}
