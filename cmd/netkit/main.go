package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
)

type command interface {
	Name() string
	Desc() string
	Run([]string) error
}

func main() {
	log.SetHandler(cli.New(os.Stderr))
	commands := []command{connectCommand{}, resolveCommand{}}
	flag.Usage = func() {
		output := flag.CommandLine.Output()
		fmt.Fprintln(output, "Usage: netkit <command> [arguments]")
		fmt.Fprintln(output, "commands:")
		for _, c := range commands {
			fmt.Fprintf(output, "\t%-16s%s\n", c.Name(), c.Desc())
		}
		flag.PrintDefaults()
	}
	flag.Parse()
	cmd := flag.Arg(0)
	for _, c := range commands {
		if c.Name() == cmd {
			err := c.Run(flag.Args()[1:])
			if err != nil {
				log.WithError(err).Fatal(c.Name())
			}
			return
		}
	}
	flag.Usage()
	os.Exit(2)
}
