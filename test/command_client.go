package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Command mirrors the request the agent accepts on its command topic
type Command struct {
	ID   string                 `json:"id"`
	Cmd  string                 `json:"cmd"`
	Args map[string]interface{} `json:"args,omitempty"`
}

func main() {
	broker := flag.String("broker", "tcp://localhost:1883", "MQTT broker address")
	username := flag.String("username", "", "MQTT username")
	password := flag.String("password", "", "MQTT password")
	cmdTopic := flag.String("cmd-topic", "devices/adc/cmd", "agent command topic")
	respTopic := flag.String("resp-topic", "devices/adc/resp", "agent response topic")
	args := flag.String("args", "", "command arguments as a JSON object")
	wait := flag.Duration("wait", 5*time.Second, "how long to wait for a response")
	watch := flag.Bool("watch", false, "print every message on the response topic until interrupted")
	flag.Parse()

	opts := paho.NewClientOptions()
	opts.AddBroker(*broker)
	opts.SetClientID(fmt.Sprintf("sensor-agent-cli-%d", time.Now().Unix()))
	opts.SetUsername(*username)
	opts.SetPassword(*password)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		fmt.Printf("connection lost: %v\n", err)
	})

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		fmt.Printf("connect to %s: %v\n", *broker, token.Error())
		os.Exit(1)
	}
	defer client.Disconnect(250)

	messages := make(chan []byte, 16)
	token := client.Subscribe(*respTopic, 1, func(_ paho.Client, msg paho.Message) {
		messages <- msg.Payload()
	})
	if token.Wait() && token.Error() != nil {
		fmt.Printf("subscribe to %s: %v\n", *respTopic, token.Error())
		os.Exit(1)
	}

	if *watch {
		watchResponses(messages)
		return
	}

	name := strings.TrimSpace(strings.Join(flag.Args(), " "))
	if name == "" {
		name = "ping"
	}
	cmd := Command{ID: fmt.Sprintf("cli-%d", time.Now().UnixNano()), Cmd: name}
	if *args != "" {
		if err := json.Unmarshal([]byte(*args), &cmd.Args); err != nil {
			fmt.Printf("decode -args: %v\n", err)
			os.Exit(1)
		}
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		fmt.Printf("encode command: %v\n", err)
		os.Exit(1)
	}
	if token := client.Publish(*cmdTopic, 1, false, payload); token.Wait() && token.Error() != nil {
		fmt.Printf("publish command: %v\n", token.Error())
		os.Exit(1)
	}
	fmt.Printf("sent %s\n", payload)

	deadline := time.After(*wait)
	for {
		select {
		case msg := <-messages:
			var resp struct {
				ID string `json:"id"`
			}
			// Telemetry shares the topic by default; only print our answer.
			if json.Unmarshal(msg, &resp) != nil || resp.ID != cmd.ID {
				continue
			}
			printJSON(msg)
			return
		case <-deadline:
			fmt.Printf("no response to %s within %v\n", cmd.Cmd, *wait)
			os.Exit(1)
		}
	}
}

func watchResponses(messages <-chan []byte) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case msg := <-messages:
			fmt.Printf("[%s] ", time.Now().Format("15:04:05"))
			printJSON(msg)
		case <-sigChan:
			return
		}
	}
}

func printJSON(msg []byte) {
	var v interface{}
	if err := json.Unmarshal(msg, &v); err != nil {
		fmt.Println(string(msg))
		return
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}
