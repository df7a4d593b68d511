// flvpatchd serves a directory of FLV files over HTTP, splicing a
// keyframes index into onMetaData on the fly so players can seek.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"

	ol "github.com/oryxext/flvpatch/logger"

	"github.com/oryxext/flvpatch/httpserve"
)

func main() {
	if err := serve(); err != nil {
		ol.E(nil, "serve failed,", err)
		os.Exit(1)
	}
}

func serve() error {
	var rootPath string
	flag.StringVar(&rootPath, "r", "./", "root path to serve")
	flag.StringVar(&rootPath, "root-path", "./", "root path to serve")
	flag.Parse()

	ol.Switch(os.Stdout)

	addr := "0.0.0.0:3040"
	ol.T(nil, fmt.Sprintf("flvpatchd serving %v on %v", rootPath, addr))

	srv := httpserve.NewServer(rootPath)
	return http.ListenAndServe(addr, srv.Handler())
}
