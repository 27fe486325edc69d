package simulator

import (
	"fmt"
	"math/rand/v2"
	"time"

	"livestream/internal/stream"
)

type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Vehicle struct {
	ID       string   `json:"id"`
	Location Location `json:"location"`
	Status   string   `json:"status"`
	Speed    int      `json:"speed"`
	Cargo    int      `json:"cargo"`
}

type VehicleTracking struct {
	Vehicles []Vehicle `json:"vehicles"`
}

type OrderStatus struct {
	Total      int `json:"total"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Delayed    int `json:"delayed"`
}

type Performance struct {
	Throughput int     `json:"throughput"`
	Latency    int     `json:"latency"`
	ErrorRate  float64 `json:"errorRate"`
}

type Node struct {
	ID     string  `json:"id"`
	Status string  `json:"status"`
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`
}

type Cluster struct {
	Nodes []Node `json:"nodes"`
}

type LogisticsData struct {
	Performance Performance `json:"performance"`
	Cluster     Cluster     `json:"cluster"`
}

type Alert struct {
	DeviceID  string  `json:"device_id"`
	AlertType string  `json:"alert_type"`
	Severity  string  `json:"severity"`
	Timestamp float64 `json:"timestamp"`
	Details   string  `json:"details"`
}

// Unknown is produced for topics without a generator.
type Unknown struct {
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// Beijing city centre, the reference deployment's map origin.
const (
	originLat = 39.9042
	originLng = 116.4074
)

var (
	alertTypes = []string{"temperature_high", "temperature_low", "humidity_high", "shock_detected", "power_outage", "tampering"}
	severities = []string{"low", "medium", "high"}
	nodeIDs    = []string{"master", "worker-1", "worker-2"}
)

// Payload builds a synthetic payload for topic. It never fails.
func Payload(topic stream.Topic, vehicles int, now time.Time) any {
	switch topic {
	case stream.TopicVehicleTracking:
		return vehicleTracking(vehicles)
	case stream.TopicOrderStatus:
		return orderStatus()
	case stream.TopicLogisticsData:
		return logisticsData()
	case stream.TopicAlerts:
		return alert(vehicles, now)
	default:
		return Unknown{Message: "Unknown topic", Timestamp: now.UnixMilli()}
	}
}

func vehicleTracking(n int) VehicleTracking {
	vehicles := make([]Vehicle, 0, n)
	for i := 0; i < n; i++ {
		vehicles = append(vehicles, Vehicle{
			ID: fmt.Sprintf("V%03d", i+1),
			Location: Location{
				Lat: originLat + (rand.Float64()-0.5)*0.1,
				Lng: originLng + (rand.Float64()-0.5)*0.1,
			},
			Status: vehicleStatus(),
			Speed:  rand.IntN(80) + 20,
			Cargo:  rand.IntN(100) + 50,
		})
	}

	return VehicleTracking{Vehicles: vehicles}
}

func vehicleStatus() string {
	switch {
	case rand.Float64() > 0.8:
		return "delayed"
	case rand.Float64() > 0.9:
		return "error"
	default:
		return "normal"
	}
}

func orderStatus() OrderStatus {
	total := 15000 + rand.IntN(1000)
	processing := 1000 + rand.IntN(500)

	return OrderStatus{
		Total:      total,
		Processing: processing,
		Completed:  total - processing,
		Delayed:    rand.IntN(100),
	}
}

func logisticsData() LogisticsData {
	nodes := make([]Node, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		nodes = append(nodes, Node{
			ID:     id,
			Status: "active",
			CPU:    rand.Float64() * 100,
			Memory: rand.Float64() * 100,
		})
	}

	return LogisticsData{
		Performance: Performance{
			Throughput: rand.IntN(1000) + 8000,
			Latency:    rand.IntN(50) + 10,
			ErrorRate:  rand.Float64() * 2,
		},
		Cluster: Cluster{Nodes: nodes},
	}
}

func alert(devices int, now time.Time) Alert {
	device := fmt.Sprintf("D%04d", rand.IntN(max(devices, 1)))

	return Alert{
		DeviceID:  device,
		AlertType: alertTypes[rand.IntN(len(alertTypes))],
		Severity:  severities[rand.IntN(len(severities))],
		Timestamp: float64(now.UnixMilli()) / 1000,
		Details:   "Alert triggered by device " + device,
	}
}
