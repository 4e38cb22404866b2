package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/duskd/internal/config"
	"github.com/dokzlo13/duskd/internal/eventbus"
)

// ErrInfluxConnect is returned when the server is unreachable or unhealthy
var ErrInfluxConnect = errors.New("influxdb connection failed")

const (
	influxPingTimeout     = 5 * time.Second
	millisecondsPerSecond = 1000
)

// Measurements written
const (
	measurementAdjustment = "scene_adjustment"
	measurementSolar      = "solar_event"
	measurementScene      = "scene_selected"
)

// Influx writes drift corrections and solar instants as points
type Influx struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
}

// ConnectInflux creates a batching, non-blocking writer after a ping
func ConnectInflux(cfg config.InfluxDBConfig) (*Influx, error) {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 10
	}

	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)*millisecondsPerSecond),
	)

	ctx, cancel := context.WithTimeout(context.Background(), influxPingTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrInfluxConnect, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrInfluxConnect)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			log.Warn().Err(err).Msg("InfluxDB write failed")
		}
	}()

	log.Info().Str("url", cfg.URL).Str("bucket", cfg.Bucket).Msg("Connected to InfluxDB")
	return &Influx{client: client, writeAPI: writeAPI}, nil
}

// Name implements Sink
func (i *Influx) Name() string {
	return "influxdb"
}

// HandleEvent implements Sink
func (i *Influx) HandleEvent(e eventbus.Event) {
	if p := pointFor(e, time.Now()); p != nil {
		i.writeAPI.WritePoint(p)
	}
}

// Close flushes pending points
func (i *Influx) Close() error {
	i.writeAPI.Flush()
	i.client.Close()
	return nil
}

func pointFor(e eventbus.Event, now time.Time) *write.Point {
	str := func(k string) string {
		s, _ := e.Data[k].(string)
		return s
	}

	switch e.Type {
	case eventbus.EventTypeAdjustment:
		tags := map[string]string{"entity_id": str("entity_id"), "type": str("type")}
		if room := str("room"); room != "" {
			tags["room"] = room
		}
		if sc := str("scene"); sc != "" {
			tags["scene"] = sc
		}
		return write.NewPoint(measurementAdjustment, tags, map[string]any{"count": 1}, now)
	case eventbus.EventTypeSolar:
		return write.NewPoint(measurementSolar,
			map[string]string{"event": str("event")},
			map[string]any{"count": 1},
			now)
	case eventbus.EventTypeScene:
		return write.NewPoint(measurementScene,
			map[string]string{"room": str("room")},
			map[string]any{"scene": str("scene")},
			now)
	}
	return nil
}
