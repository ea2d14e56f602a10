// Copyright 2024 The fleetgate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// package main is the entrypoint for the fleetgate broker extension.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/listeners"

	"github.com/turtacn/fleetgate/pkg/acl"
	"github.com/turtacn/fleetgate/pkg/config"
	"github.com/turtacn/fleetgate/pkg/devstate"
	"github.com/turtacn/fleetgate/pkg/dmap"
	"github.com/turtacn/fleetgate/pkg/gate"
	"github.com/turtacn/fleetgate/pkg/identity"
	"github.com/turtacn/fleetgate/pkg/metrics"
	"github.com/turtacn/fleetgate/pkg/pipeline"
	"github.com/turtacn/fleetgate/pkg/routes"
	"github.com/turtacn/fleetgate/pkg/status"
	"github.com/turtacn/fleetgate/pkg/stream"
	"github.com/turtacn/fleetgate/pkg/topics"
	"github.com/turtacn/fleetgate/pkg/vehicle"
)

func main() {
	configPath := flag.String("config", os.Getenv("FLEETGATE_CONFIG"), "Path to the configuration file (YAML or JSON)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	g := cfg.Gate
	log.Printf("[INFO] Starting fleetgate node %s", g.NodeID)

	codec := topics.NewCodec(g.Topics.Prefix)
	engine := acl.NewEngine(codec, g.ACL, g.Topics)

	resolver, err := routes.NewResolver(codec, g.Routes, g.Topics)
	if err != nil {
		log.Fatalf("Failed to build route table: %v", err)
	}

	store := devstate.NewStore()

	sink := stream.NewKafkaSink(g.Kafka.Brokers)
	defer sink.Close()

	presence := dmap.NewRedisStore(g.Redis.Addr, g.Redis.Password, g.Redis.DB)
	defer presence.Close()

	var vehicles vehicle.Resolver
	if g.Postgres.DSN != "" {
		pg, err := vehicle.NewPostgresResolver(g.Postgres.DSN)
		if err != nil {
			log.Fatalf("Failed to open vehicle database: %v", err)
		}
		defer pg.Close()
		vehicles = pg
	} else {
		log.Printf("[WARN] No vehicle database configured, all devices will connect unlinked")
		vehicles = vehicle.NewStaticResolver()
	}

	server := mqtt.New(&mqtt.Options{})
	disconnector := &gate.ServerDisconnector{Server: server}

	pipe, err := pipeline.New(resolver, store, vehicles, sink, disconnector, pipeline.Options{
		KeepAlivePattern:    g.Topics.KeepAlivePattern,
		WrapEnvelope:        g.Pipeline.WrapEnvelope,
		Decompress:          g.Pipeline.Decompress,
		DeviceAwareServices: g.Pipeline.DeviceAwareServices,
		SuspiciousAllowList: g.ACL.SuspiciousAllowList,
	})
	if err != nil {
		log.Fatalf("Failed to build publish pipeline: %v", err)
	}

	statusHandler := status.NewHandler(resolver, store, presence, sink, g.ACL.SuspiciousAllowList)

	chain := identity.NewChain()
	password := identity.NewPasswordAuthenticator(g.ACL.ServicePrefixes, g.Auth.ProbeUsername)
	for _, u := range g.Auth.Users {
		password.AddUser(u.Username, u.PasswordHash)
	}
	chain.Add(password)
	chain.Add(identity.NewJWTAuthenticator(g.Auth.JWTSecret))
	chain.Add(identity.NewCertAuthenticator())

	core := gate.New(chain, engine, store, vehicles, pipe, statusHandler, disconnector)
	if err := server.AddHook(gate.NewHook(core), nil); err != nil {
		log.Fatalf("Failed to register gate hook: %v", err)
	}

	tcp := listeners.NewTCP(listeners.Config{ID: "tcp", Address: g.MQTTPort})
	if err := server.AddListener(tcp); err != nil {
		log.Fatalf("Failed to add MQTT listener: %v", err)
	}

	go func() {
		log.Printf("[INFO] MQTT listener on %s", g.MQTTPort)
		if err := server.Serve(); err != nil {
			log.Fatalf("MQTT server failed: %v", err)
		}
	}()

	go metrics.Serve(g.MetricsPort)

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)
	<-shutdownChan

	log.Println("Shutdown signal received. Shutting down...")
	if err := server.Close(); err != nil {
		log.Printf("[WARN] MQTT server close: %v", err)
	}
}
