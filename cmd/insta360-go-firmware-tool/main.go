// Command insta360-go-firmware-tool validates, unpacks and repacks
// firmware update packages for the Insta360 GO 2 and GO 3 cameras.
//
// Usage:
//
//	insta360-go-firmware-tool validate --input=InstaGo2FW.pkg
//	insta360-go-firmware-tool unpack --input=InstaGo2FW.pkg --output=firmware_folder
//	insta360-go-firmware-tool pack --input=firmware_folder --output=InstaGo2FW.pkg
package main

import (
	"fmt"
	"os"

	flag "github.com/ogier/pflag"
	log "github.com/sirupsen/logrus"

	"github.com/enekochan/insta360-go-firmware-tool/firmware"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s validate|unpack|pack --input=... [--output=...]\n", os.Args[0])
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	action := os.Args[1]

	flags := flag.NewFlagSet(action, flag.ExitOnError)
	input := flags.StringP("input", "i", "", "firmware file for validate and unpack, unpacked folder for pack")
	output := flags.StringP("output", "o", "", "folder to unpack into, file to pack to")
	flags.Parse(os.Args[2:])

	if *input == "" {
		log.Fatal("input not provided")
	}
	if _, err := os.Stat(*input); err != nil {
		log.Fatalf("input %s does not exist", *input)
	}
	if action == "unpack" || action == "pack" {
		if *output == "" {
			log.Fatal("output not provided")
		}
		if _, err := os.Stat(*output); err == nil {
			log.Fatalf("output %s already exists", *output)
		}
	}

	switch action {
	case "validate":
		fw := open(*input)
		defer fw.Close()
		if err := fw.Validate(); err != nil {
			log.Fatal(err)
		}
		log.Info("Firmware OK!")
	case "unpack":
		fw := open(*input)
		defer fw.Close()
		if err := fw.Unpack(*output); err != nil {
			log.Fatal(err)
		}
	case "pack":
		if err := firmware.Pack(*input, *output); err != nil {
			log.Fatal(err)
		}
	default:
		usage()
	}
}

func open(path string) *firmware.Firmware {
	fw, err := firmware.Open(path)
	if err != nil {
		log.Fatal(err)
	}
	return fw
}
