// Package partfile implements the on-disk format for resumable
// transfers: a <dest>.part content file paired with a <dest>.part.meta
// JSON sidecar.
//
// The sidecar records the source URL and ETag, the expected total size,
// the number of bytes written, and the serialized state of the running
// SHA256 digest. It is rewritten via temp-write plus atomic rename
// after every chunk the caller persists, so the pair can always be
// reopened after a crash: at worst the part file is one buffer ahead of
// the sidecar, and Open truncates it back to the last persisted offset.
//
// # Usage
//
//	pf, err := partfile.Open(dest)
//	pf.SetSource(url, etag)
//	for each chunk {
//	    pf.Write(chunk)
//	    pf.Persist()
//	}
//	pf.Finalize() // rename .part to dest, drop the sidecar
//
// An interrupted transfer is resumed by calling Open again: the byte
// offset and digest continue exactly where the last Persist left off.
package partfile
