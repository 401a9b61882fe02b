// Package lifetime provides type-safe resource identifiers, registries, and
// the deferred-destroy machinery shared by every GPU-owning package in
// Tauray.
//
// Every GPU object — buffer, image, pipeline, descriptor pool, acceleration
// structure, semaphore, fence — is handed out as a type-safe [ID] backed by
// a [Registry]. Destruction is never immediate: callers register a destroy
// callback via [DeferredQueue], which the frame loop drains once the frame
// that last referenced the resource has certainly completed on the device.
//
// ID System:
//
// Resources are identified by type-safe IDs that combine an index and an
// epoch:
//
//	type MeshID = ID[meshMarker]
//	id := NewID[meshMarker](index, epoch)
//	index, epoch := id.Unzip()
//
// The epoch prevents use-after-free bugs by invalidating old IDs when a
// slot is recycled.
//
// Registry Pattern:
//
//	registry := NewRegistry[Mesh, meshMarker]()
//	id := registry.Register(mesh)
//	mesh, err := registry.Get(id)
//	registry.Unregister(id)
//
// Thread Safety:
//
// All types in this package are safe for concurrent use unless explicitly
// documented otherwise.
package lifetime
