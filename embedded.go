package main

import (
	"embed"
	"html/template"
	"path/filepath"
	"runtime"
)

//go:embed templates/*.html
var embeddedFiles embed.FS

var pages = template.Must(template.New("").Funcs(template.FuncMap{
	"percent": func(ratio float64) float64 { return ratio * 100 },
}).ParseFS(embeddedFiles, "templates/*.html"))

const (
	indexPage        = "index.html"
	uploadStatusPage = "upload_status.html"
)

// defaultLibraryPath picks the onnxruntime library name for this OS.
func defaultLibraryPath() string {
	libName := "libonnxruntime.so"
	if runtime.GOOS == "darwin" {
		libName = "libonnxruntime.dylib"
	} else if runtime.GOOS == "windows" {
		libName = "onnxruntime.dll"
	}
	return filepath.Join("lib", libName)
}
