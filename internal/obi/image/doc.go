// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// image is the control plane of virtual block images stored on an object
// store. An image is sharded into fixed size backing objects; the package
// maintains the image header, snapshots with copy before write preservation,
// copy on write clones with flatten, advisory locks and the data paths
// reading and writing through the layering.
//
// All metadata of one image lives in a single header object. Every header
// mutation goes through the store's atomic update, which is the
// linearization point for concurrent sessions; no torn header is ever
// observable.
package image
