package main

/*
ebalign reads a GL1 reference stream and one or more SEB streams of raw DAQ
frames, reconciles each SEB stream's packet clocks against GL1, and writes
one aligned, per-packet record per event to a text sink.
*/

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"

	"github.com/sphenix-offline/seballign/config"
	"github.com/sphenix-offline/seballign/orchestrator"
	"github.com/sphenix-offline/seballign/rawfile"
	"github.com/sphenix-offline/seballign/stream"
)

// sebSpec implements flag.Value so -seb can be given multiple times, one
// per SEB stream, as "name:path1,path2,...".
type sebSpec struct {
	name  string
	paths []string
}

type sebSpecList []sebSpec

func (l *sebSpecList) String() string {
	var parts []string
	for _, s := range *l {
		parts = append(parts, s.name+":"+strings.Join(s.paths, ","))
	}
	return strings.Join(parts, ";")
}

func (l *sebSpecList) Set(v string) error {
	name, pathsCSV, ok := strings.Cut(v, ":")
	if !ok || name == "" || pathsCSV == "" {
		return fmt.Errorf("ebalign: -seb must be name:path1,path2,...; got %q", v)
	}
	*l = append(*l, sebSpec{name: name, paths: strings.Split(pathsCSV, ",")})
	return nil
}

var (
	gl1Paths = flag.String("gl1", "", "Comma-separated GL1 raw file paths, in order")
	sebSpecs sebSpecList
	out      = flag.String("out", "", "Output path for aligned records; defaults to stdout")
)

func init() {
	flag.Var(&sebSpecs, "seb", "name:path1,path2,... ; may be given multiple times, one per SEB stream")
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s -gl1 path1,path2,... -seb name:path1,path2,... [-seb ...]\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	shutdown := grail.Init()
	defer shutdown()

	opts := config.RegisterFlags(flag.CommandLine)
	flag.Parse()

	if err := opts.Validate(); err != nil {
		log.Fatalf("ebalign: %v", err)
	}
	if *gl1Paths == "" || len(sebSpecs) == 0 {
		usage()
		os.Exit(2)
	}

	w := os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			log.Fatalf("ebalign: creating %s: %v", *out, err)
		}
		defer f.Close()
		w = f
	}
	sink := newTextSink(w)

	gl1 := stream.New("gl1", &rawfile.LocalSource{Paths: strings.Split(*gl1Paths, ",")}, sink)
	gl1.Verbosity = opts.Verbosity
	gl1.ScratchDir = opts.ScratchDir
	gl1.CopyRunStart, gl1.CopyRunEnd = int32(opts.CopyRunStart), int32(opts.CopyRunEnd)

	orch := orchestrator.New(gl1)
	orch.Verbosity = opts.Verbosity

	for _, spec := range sebSpecs {
		seb := stream.New(spec.name, &rawfile.LocalSource{Paths: spec.paths}, sink)
		seb.Verbosity = opts.Verbosity
		seb.ScratchDir = opts.ScratchDir
		seb.CopyRunStart, seb.CopyRunEnd = int32(opts.CopyRunStart), int32(opts.CopyRunEnd)
		orch.AddSEB(seb)
	}

	if err := orch.Run(); err != nil {
		log.Fatalf("ebalign: %v", err)
	}
	if err := sink.FlushRecords(); err != nil {
		log.Fatalf("ebalign: flushing output: %v", err)
	}

	for _, seb := range orch.SEBs {
		if seb.EventAlignmentProblem {
			log.Error.Printf("ebalign: %s never recovered alignment with gl1", seb.Name)
		}
	}
	log.Info.Printf("ebalign: done, output node %s", opts.OutputNodeName())
}
