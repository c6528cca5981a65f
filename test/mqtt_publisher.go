package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Readings mirrors what a heat pump controller reports
type Readings struct {
	SupplyTemperatureC float64 `json:"supply_temperature_c"`
	ReturnTemperatureC float64 `json:"return_temperature_c"`
	PowerW             float64 `json:"power_w"`
	FlowRateLPM        float64 `json:"flow_rate_lpm"`
	COP                float64 `json:"cop"`
}

// Telemetry is one message on heatpumps/{site}/{device}/telemetry
type Telemetry struct {
	Timestamp string   `json:"timestamp"`
	Readings  Readings `json:"readings"`
}

// DeviceConfig describes one simulated heat pump
type DeviceConfig struct {
	Site     string
	ID       string
	Interval time.Duration
}

func main() {
	broker := flag.String("broker", "tcp://localhost:1883", "MQTT broker address")
	username := flag.String("username", "", "MQTT username")
	password := flag.String("password", "", "MQTT password")
	prefix := flag.String("prefix", "heatpumps", "telemetry topic prefix")
	mode := flag.String("mode", "continuous", "run mode: single, batch, continuous")
	flag.Parse()

	opts := paho.NewClientOptions()
	opts.AddBroker(*broker)
	clientID := fmt.Sprintf("heatpump-sim-%d", time.Now().Unix())
	opts.SetClientID(clientID)
	if *username != "" {
		opts.SetUsername(*username)
		opts.SetPassword(*password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		fmt.Printf("connection lost: %v\n", err)
	})

	client := paho.NewClient(opts)

	if token := client.Connect(); token.Wait() && token.Error() != nil {
		fmt.Printf("failed to connect to MQTT broker: %v\n", token.Error())
		os.Exit(1)
	}

	fmt.Printf("connected to MQTT broker: %s\n", *broker)

	switch *mode {
	case "single":
		publishSingle(client, *prefix)
	case "batch":
		publishBatch(client, *prefix)
	case "continuous":
		publishContinuous(client, *prefix)
	default:
		fmt.Println("unknown mode, use single, batch or continuous")
		os.Exit(1)
	}
}

func publishSingle(client paho.Client, prefix string) {
	publishDeviceData(client, prefix, DeviceConfig{Site: "site-001", ID: "hp-0001"})
	client.Disconnect(250)
}

// publishBatch sends one reading for ten heat pumps spread over two sites
func publishBatch(client paho.Client, prefix string) {
	for i := 1; i <= 10; i++ {
		dev := DeviceConfig{
			Site: fmt.Sprintf("site-%03d", (i-1)/5+1),
			ID:   fmt.Sprintf("hp-%04d", i),
		}
		publishDeviceData(client, prefix, dev)
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Println("batch publish complete")
	client.Disconnect(250)
}

func publishContinuous(client paho.Client, prefix string) {
	devices := []DeviceConfig{
		{Site: "site-001", ID: "hp-0001", Interval: 5 * time.Second},
		{Site: "site-001", ID: "hp-0002", Interval: 8 * time.Second},
		{Site: "site-002", ID: "hp-0003", Interval: 6 * time.Second},
		{Site: "site-002", ID: "hp-0004", Interval: 10 * time.Second},
	}

	for _, device := range devices {
		go func(dev DeviceConfig) {
			for {
				publishDeviceData(client, prefix, dev)
				time.Sleep(dev.Interval)
			}
		}(device)
		fmt.Printf("device %s/%s reports every %v\n", device.Site, device.ID, device.Interval)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("disconnecting...")
	client.Disconnect(250)
}

func round1(v float64) float64 {
	return float64(int(v*10)) / 10
}

func simulateReadings() Readings {
	supply := 35.0 + rand.Float64()*15
	delta := 3.0 + rand.Float64()*4
	power := 1500 + rand.Float64()*2500
	cop := 2.5 + rand.Float64()*2
	return Readings{
		SupplyTemperatureC: round1(supply),
		ReturnTemperatureC: round1(supply - delta),
		PowerW:             float64(int(power)),
		FlowRateLPM:        round1(10 + rand.Float64()*10),
		COP:                round1(cop),
	}
}

func publishDeviceData(client paho.Client, prefix string, device DeviceConfig) {
	topic := fmt.Sprintf("%s/%s/%s/telemetry", prefix, device.Site, device.ID)

	data := Telemetry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Readings:  simulateReadings(),
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		fmt.Printf("failed to encode JSON: %v\n", err)
		return
	}

	token := client.Publish(topic, 1, false, jsonData)
	token.Wait()

	if token.Error() != nil {
		fmt.Printf("failed to publish: %v\n", token.Error())
	} else {
		timestamp := time.Now().Format("15:04:05")
		fmt.Printf("[%s] published %s: %s\n", timestamp, topic, string(jsonData))
	}
}
