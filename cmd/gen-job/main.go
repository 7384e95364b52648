package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/oneee-playground/r2d2-agent/internal/job"
	"github.com/ryanolee/go-chaff"
)

var (
	num           int
	driverVersion int
	agentURL      string
	validate      bool
)

func processParameters() {
	var (
		_num           = flag.Int("n", 1, "number of generated jobs")
		_driverVersion = flag.Int("driverVersion", 4, "driver version stamped on every job")
		_agentURL      = flag.String("agent", "", "agent base url. jobs are printed when empty")
		_validate      = flag.Bool("validate", true, "skip jobs the agent would reject")
	)

	flag.Parse()

	num = *_num
	driverVersion = *_driverVersion
	agentURL = strings.TrimSuffix(*_agentURL, "/")
	validate = *_validate
}

func main() {
	processParameters()

	generator, err := chaff.ParseSchema(job.DescriptorSchema, &chaff.ParserOptions{})
	if err != nil {
		log.Fatal(err)
	}

	client := &http.Client{Timeout: 10 * time.Second}

	for i := 0; i < num; i++ {
		result := generator.Generate(&chaff.GeneratorOptions{})

		doc, ok := result.(map[string]interface{})
		if !ok {
			doc = make(map[string]interface{})
		}
		doc["state"] = job.StateNew.String()
		doc["driverVersion"] = driverVersion

		body, err := json.Marshal(doc)
		if err != nil {
			log.Fatal(err)
		}

		if validate {
			if _, err := job.DecodeDescriptor(body, 0); err != nil {
				log.Printf("skipping generated job: %v", err)
				continue
			}
		}

		if agentURL == "" {
			fmt.Fprintln(os.Stdout, string(body))
			continue
		}

		if err := submit(client, body); err != nil {
			log.Fatal(err)
		}
	}
}

func submit(client *http.Client, body []byte) error {
	res, err := client.Post(agentURL+"/jobs", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(res.Body)
		return fmt.Errorf("agent rejected job: %s: %s", res.Status, strings.TrimSpace(string(msg)))
	}

	log.Printf("submitted job %s", res.Header.Get("Location"))
	return nil
}
