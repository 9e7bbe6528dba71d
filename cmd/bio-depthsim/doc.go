// Copyright 2026 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

/*
bio-depthsim runs read-depth subsampling experiments on split-pool
single-cell libraries. Each run of the experiment grid subsamples the read
pairs of both sublibraries to a fraction of their depth, processes and
combines them with the analysis toolchain, and scores the result against
the full-depth reference run.

Sample usage:

	bio-depthsim grid config/subsample_grid.tsv
	bio-depthsim submit -config depthsim.yaml
	bio-depthsim validate -config depthsim.yaml

"submit" submits every unfinished stage to the configured scheduler, slurm
or local, and exits. Cluster jobs call back into "bio-depthsim stage <run>
<stage>". A second "submit" after a completed pass submits nothing.

The configuration is YAML:

	genome_dir: ref/genome
	sample_map: config/sample_map.xlsm
	scheduler: slurm
	state: file
	slurm:
	  partition: short
	  default: {cpus: 16, mem: 128G, time: "24:00:00"}

Relative paths resolve against the directory of the configuration file.
DEPTHSIM_STATE, DEPTHSIM_SCHEDULER and DEPTHSIM_RUNS_DIR override the file;
a .env file in the working directory is loaded first. Sources may live on
s3.
*/
package main
