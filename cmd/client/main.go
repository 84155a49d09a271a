// Command client submits a local image to the replica cluster and
// writes back the decoded reply.
package main

import (
	"flag"
	"os"
	"strings"

	logging "github.com/op/go-logging"

	"github.com/bdeggleston/nebula/client"
	"github.com/bdeggleston/nebula/encode"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("cmd/client")
}

func main() {
	serverList := flag.String("server-list", "127.0.0.1:8081,127.0.0.1:8082,127.0.0.1:8083", "comma-separated replica addresses to discover a leader from")
	imagePath := flag.String("image", "client.png", "path to the image to submit")
	outPath := flag.String("out", "decoded.png", "path to write the decoded reply to")
	flag.Parse()

	replicas := strings.Split(*serverList, ",")

	c, err := client.New(replicas, encode.Steganographic{})
	if err != nil {
		logger.Fatalf("client: %v", err)
	}
	defer c.Close()

	payload, err := os.ReadFile(*imagePath)
	if err != nil {
		logger.Fatalf("client: reading %s: %v", *imagePath, err)
	}

	leader, err := c.Discover()
	if err != nil {
		logger.Fatalf("client: %v", err)
	}
	logger.Infof("client: discovered leader %s", leader)

	decoded, err := c.SendImage(payload)
	if err != nil {
		logger.Fatalf("client: %v", err)
	}

	if err := os.WriteFile(*outPath, decoded, 0o644); err != nil {
		logger.Fatalf("client: writing %s: %v", *outPath, err)
	}
	logger.Infof("client: wrote decoded reply to %s", *outPath)
}
