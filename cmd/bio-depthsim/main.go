// Copyright 2026 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package main

import (
	"log"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/joho/godotenv"
	"v.io/x/lib/cmdline"
)

func main() {
	// A missing .env file is not an error.
	_ = godotenv.Load()
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)
	cmdline.HideGlobalFlagsExcept()
	cmdline.Main(&cmdline.Command{
		Name:     "bio-depthsim",
		Short:    "Depth-subsampling experiments for split-pool single-cell libraries",
		LookPath: false,
		Children: []*cmdline.Command{
			newCmdGrid(),
			newCmdSubmit(),
			newCmdStage(),
			newCmdSubsample(),
			newCmdValidate(),
		},
	})
}
