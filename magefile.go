//go:build mage
// +build mage

// Copyright © 2019 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package main

import (
	"os"
	"path"
	"runtime"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const (
	modulePath  = "github.com/n0ot/deskrelay"
	packageName = modulePath + "/cmd/deskrelay"
	outDir      = "bin"
)

var Default = Build

// allow user to override go executable by running as GOEXE=xxx make ... on unix-like systems
var goexe = "go"

func init() {
	if exe := os.Getenv("GOEXE"); exe != "" {
		goexe = exe
	}
}

// release describes the binary being built.
type release struct {
	version string
	binary  string
}

var rel release

func (r release) ldflags() string {
	return "-X " + packageName + "/commands.Version=" + r.version
}

// describe fills in rel from git and the target platform.
// Mage runs it once, however many targets depend on it.
func describe() {
	rel.version = "dev"
	if v, err := sh.Output("git", "describe", "--tags", "--always", "--dirty"); err == nil && v != "" {
		rel.version = v
	}

	goos := os.Getenv("GOOS")
	if goos == "" {
		goos = runtime.GOOS
	}
	rel.binary = "deskrelay"
	if goos == "windows" {
		rel.binary += ".exe"
	}
}

// Build builds deskrelay
func Build() error {
	mg.Deps(mkBin, describe)
	return sh.RunV(goexe, "build", "-ldflags", rel.ldflags(), "-o", path.Join(outDir, rel.binary), packageName)
}

// BuildRace builds deskrelay with the race detector enabled
func BuildRace() error {
	mg.Deps(mkBin, describe)
	return sh.RunV(goexe, "build", "-race", "-ldflags", rel.ldflags(), "-o", path.Join(outDir, rel.binary), packageName)
}

// Install installs deskrelay
func Install() error {
	mg.Deps(describe)
	return sh.RunV(goexe, "install", "-ldflags", rel.ldflags(), packageName)
}

// Test runs the tests with the race detector enabled
func Test() error {
	return sh.RunV(goexe, "test", "-race", modulePath+"/...")
}

// Vet runs go vet over every package
func Vet() error {
	return sh.RunV(goexe, "vet", modulePath+"/...")
}

// Clean removes all files and directories created by mage targets.
func Clean() error {
	return os.RemoveAll(outDir)
}

func mkBin() error {
	return os.MkdirAll(outDir, 0755)
}
