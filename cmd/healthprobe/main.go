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

// package main is a liveness probe for a running fleetgate node: it
// connects with the probe identity and publishes on the health topic.
// Exit code 0 means the broker accepted both operations in time.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

func main() {
	broker := flag.String("broker", "tcp://localhost:1883", "Broker address")
	username := flag.String("username", "healthcheck", "Probe username")
	password := flag.String("password", "", "Probe password")
	topic := flag.String("topic", "fleet/v1/healthcheck/up/probe", "Health topic")
	timeout := flag.Duration("timeout", 5*time.Second, "Overall probe timeout")
	flag.Parse()

	opts := paho.NewClientOptions().
		AddBroker(*broker).
		SetClientID(fmt.Sprintf("healthprobe-%d", os.Getpid())).
		SetUsername(*username).
		SetPassword(*password).
		SetConnectTimeout(*timeout)

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(*timeout) || token.Error() != nil {
		log.Fatalf("Probe connect failed: %v", token.Error())
	}
	defer client.Disconnect(250)

	token = client.Publish(*topic, 1, false, []byte(time.Now().UTC().Format(time.RFC3339)))
	if !token.WaitTimeout(*timeout) || token.Error() != nil {
		log.Fatalf("Probe publish failed: %v", token.Error())
	}

	log.Printf("[INFO] Probe publish on %s acknowledged", *topic)
}
