// Package pkg provides the core libraries of hlsflow, a compiler that turns
// quantized neural-network graphs into streaming dataflow hardware.
//
// # Overview
//
// The pkg directory is organized into three areas:
//
//  1. Model: [graph] (nodes, tensors, datatypes, JSON and DOT I/O),
//     [tensor] (constant arrays) and [ops] (operator registry with shape
//     inference, execution and hardware attributes)
//  2. Compiler: [transform] (rewrite passes, streamlining and lowering),
//     [fifo] (stream buffer insertion and sizing), [sim] (cycle simulation
//     used for sizing) and [pipeline] (build steps and the runner)
//  3. Infrastructure: [cache], [hwconfig] (final hardware configuration
//     sinks), [errors], [observability] and [buildinfo]
//
// # Architecture
//
// A build applies four steps to a graph:
//
//	model.json
//	     ↓
//	tidy            shape and datatype inference, constant folding, naming
//	     ↓
//	streamline      scales and biases moved into thresholds
//	     ↓
//	convert_to_hw   standard ops lowered to hardware layers
//	     ↓
//	set_fifo_depths FIFOs inserted and sized
//	     ↓
//	model.json + final_hw_config.json
//
// # Quick Start
//
//	g, _ := graph.ImportJSON("model.json")
//	cfg := pipeline.Config{OutputDir: "build", Board: "Pynq-Z1"}
//	runner := pipeline.NewRunner(nil, nil, logger)
//	result, err := runner.Run(ctx, g, cfg, nil)
package pkg
