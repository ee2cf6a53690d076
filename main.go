// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// obi is a command line tool managing virtual block images stored as
// fixed-size objects in an object store. Images can be snapshotted, cloned
// copy-on-write and flattened again, imported from and exported to sparse
// files, advisorily locked against other clients, benchmarked and mapped
// into the kernel block layer through the driver's sysfs bus.
//
// Project structure is following:
//
// - internal contains all packages used by this program. The name "internal"
// is reserved by go compiler and disallows its imports from different
// projects. Since we don't provide any reusable packages, we use internal
// directory.
//
// - internal/obi contains the image data model and everything it is built
// on: the object store backends, the asynchronous write machinery and the
// sparse file import and export pipelines. See the package descriptions in
// the source code for more details.
//
// - internal/kdev talks to the kernel block device driver through its
// sysfs bus.
//
// - internal/config contains the configuration package which is common for
// all commands.
//
// - cmd contains the command line interface on top of all of the above.
package main

import (
	"github.com/asch/obi/cmd"
)

func main() {
	cmd.Execute()
}
