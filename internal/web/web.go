// Package web embeds the landing page and its assets.
package web

import (
	"embed"
	"io/fs"
)

//go:embed index.html static
var files embed.FS

// Index returns the landing page.
func Index() []byte {
	data, err := files.ReadFile("index.html")
	if err != nil {
		panic("web: index.html missing from embed: " + err.Error())
	}
	return data
}

// Static is the asset tree served under /static.
func Static() fs.FS {
	sub, err := fs.Sub(files, "static")
	if err != nil {
		panic("web: static missing from embed: " + err.Error())
	}
	return sub
}
