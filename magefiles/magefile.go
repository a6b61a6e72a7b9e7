//go:build mage

// Tools for building and maintaining Lockstep.
package main

import (
	"os"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

// Default target to run when none is specified.
var Default = Build

// Compiles the lockstep binary into bin/.
func Build() error {
	mg.Deps(Vet)
	return sh.RunV("go", "build", "-o", "bin/lockstep", ".")
}

// Runs go vet over every package.
func Vet() error {
	return sh.RunV("go", "vet", "./...")
}

// Runs all Lockstep tests.
// Tests are run with -race.
func Test() error {
	_, err := sh.Exec(nil, os.Stdout, os.Stderr, "go", "test", "./...", "-race", "-count=1")
	return err
}

// Runs the end-to-end session tests only.
func E2E() error {
	_, err := sh.Exec(nil, os.Stdout, os.Stderr, "go", "test", "./pkg/lockstep/session/", "-race", "-count=1", "-run", "TestEndToEnd", "-v")
	return err
}

// Removes build output.
func Clean() error {
	return sh.Rm("bin")
}
