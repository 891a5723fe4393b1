// Package main exposes the signing mechanism as a C ABI for foreign
// callers. Build with:
//
//	go build -buildmode=c-shared -o libpgpmech.so ./cmd/libpgpmech
//
// Every object returned to the caller is an opaque handle paired with
// exactly one free function; buffers reachable from an object are
// borrowed and become invalid once the owning object is freed.
package main

/*
#include <stdint.h>
#include <stdlib.h>
#include <limits.h>

typedef enum pgpmech_error_kind {
	PGPMECH_ERROR_UNKNOWN = 0,
	PGPMECH_ERROR_INVALID_ARGUMENT = 1,
	PGPMECH_ERROR_IO = 2,
} pgpmech_error_kind;

typedef struct pgpmech_error {
	pgpmech_error_kind kind;
	char *message;
} pgpmech_error;
*/
import "C"

import (
	"fmt"
	"runtime/cgo"
	"unsafe"

	"github.com/ctrliq/pgpmech/pkg/mechanism"
)

// signatureArtifact owns a C copy of the signed message so the data
// pointer handed to the caller stays valid until the artifact is
// freed.
type signatureArtifact struct {
	data unsafe.Pointer
	size C.size_t
}

// verificationResult owns C copies of the recovered content and the
// signer fingerprint, freed together as one unit.
type verificationResult struct {
	content    unsafe.Pointer
	contentLen C.size_t
	signer     *C.char
}

// importResult owns one C string per imported certificate, in parse
// order.
type importResult struct {
	fingerprints []*C.char
}

// setError allocates an error object into errPtr if the caller
// supplied one. The message is freed together with the error.
func setError(errPtr **C.pgpmech_error, err error) {
	if errPtr == nil {
		return
	}

	var kind C.pgpmech_error_kind
	switch mechanism.KindOf(err) {
	case mechanism.ErrorKindInvalidArgument:
		kind = C.PGPMECH_ERROR_INVALID_ARGUMENT
	case mechanism.ErrorKindIO:
		kind = C.PGPMECH_ERROR_IO
	default:
		kind = C.PGPMECH_ERROR_UNKNOWN
	}

	cerr := (*C.pgpmech_error)(C.malloc(C.sizeof_struct_pgpmech_error))
	cerr.kind = kind
	cerr.message = C.CString(err.Error())
	*errPtr = cerr
}

//export pgpmech_error_free
func pgpmech_error_free(err *C.pgpmech_error) {
	if err == nil {
		return
	}
	C.free(unsafe.Pointer(err.message))
	C.free(unsafe.Pointer(err))
}

//export pgpmech_mechanism_new_from_directory
func pgpmech_mechanism_new_from_directory(dir *C.char, errPtr **C.pgpmech_error) C.uintptr_t {
	home := C.GoString(dir)
	if err := checkUTF8(home, "home directory"); err != nil {
		setError(errPtr, err)
		return 0
	}

	m, err := mechanism.NewFromDirectory(home)
	if err != nil {
		setError(errPtr, err)
		return 0
	}
	return C.uintptr_t(cgo.NewHandle(m))
}

//export pgpmech_mechanism_new_ephemeral
func pgpmech_mechanism_new_ephemeral(errPtr **C.pgpmech_error) C.uintptr_t {
	m, err := mechanism.NewEphemeral()
	if err != nil {
		setError(errPtr, err)
		return 0
	}
	return C.uintptr_t(cgo.NewHandle(m))
}

//export pgpmech_mechanism_free
func pgpmech_mechanism_free(mech C.uintptr_t) {
	h := cgo.Handle(mech)
	h.Value().(*mechanism.Mechanism).Close()
	h.Delete()
}

//export pgpmech_import_keys
func pgpmech_import_keys(mech C.uintptr_t, blob *C.uchar, blobLen C.size_t, errPtr **C.pgpmech_error) C.uintptr_t {
	m := cgo.Handle(mech).Value().(*mechanism.Mechanism)

	if blobLen > C.size_t(C.INT_MAX) {
		setError(errPtr, fmt.Errorf("%w: blob too large", mechanism.ErrInvalidArgument))
		return 0
	}

	fingerprints, err := m.ImportKeys(C.GoBytes(unsafe.Pointer(blob), C.int(blobLen)))
	if err != nil {
		setError(errPtr, err)
		return 0
	}

	result := &importResult{}
	for _, fp := range fingerprints {
		result.fingerprints = append(result.fingerprints, C.CString(fp))
	}
	return C.uintptr_t(cgo.NewHandle(result))
}

//export pgpmech_import_result_get_count
func pgpmech_import_result_get_count(result C.uintptr_t) C.size_t {
	r := cgo.Handle(result).Value().(*importResult)
	return C.size_t(len(r.fingerprints))
}

//export pgpmech_import_result_get_content
func pgpmech_import_result_get_content(result C.uintptr_t, index C.size_t, errPtr **C.pgpmech_error) *C.char {
	r := cgo.Handle(result).Value().(*importResult)
	if err := checkIndex(uint64(index), uint64(len(r.fingerprints))); err != nil {
		setError(errPtr, err)
		return nil
	}
	return r.fingerprints[index]
}

//export pgpmech_import_result_free
func pgpmech_import_result_free(result C.uintptr_t) {
	h := cgo.Handle(result)
	r := h.Value().(*importResult)
	for _, fp := range r.fingerprints {
		C.free(unsafe.Pointer(fp))
	}
	h.Delete()
}

//export pgpmech_sign
func pgpmech_sign(mech C.uintptr_t, keyHandle *C.char, password *C.char, data *C.uchar, dataLen C.size_t, errPtr **C.pgpmech_error) C.uintptr_t {
	m := cgo.Handle(mech).Value().(*mechanism.Mechanism)

	handle := C.GoString(keyHandle)
	if err := checkUTF8(handle, "key handle"); err != nil {
		setError(errPtr, err)
		return 0
	}

	// a null password means no unlock attempt; an empty one still
	// attempts the unlock
	var pass *string
	if password != nil {
		p := C.GoString(password)
		if err := checkUTF8(p, "password"); err != nil {
			setError(errPtr, err)
			return 0
		}
		pass = &p
	}

	if dataLen > C.size_t(C.INT_MAX) {
		setError(errPtr, fmt.Errorf("%w: data too large", mechanism.ErrInvalidArgument))
		return 0
	}

	sig, err := m.Sign(handle, pass, C.GoBytes(unsafe.Pointer(data), C.int(dataLen)))
	if err != nil {
		setError(errPtr, err)
		return 0
	}

	return C.uintptr_t(cgo.NewHandle(&signatureArtifact{
		data: C.CBytes(sig),
		size: C.size_t(len(sig)),
	}))
}

//export pgpmech_signature_get_data
func pgpmech_signature_get_data(sig C.uintptr_t, dataLen *C.size_t) *C.uchar {
	s := cgo.Handle(sig).Value().(*signatureArtifact)
	*dataLen = s.size
	return (*C.uchar)(s.data)
}

//export pgpmech_signature_free
func pgpmech_signature_free(sig C.uintptr_t) {
	h := cgo.Handle(sig)
	C.free(h.Value().(*signatureArtifact).data)
	h.Delete()
}

//export pgpmech_verify
func pgpmech_verify(mech C.uintptr_t, signature *C.uchar, signatureLen C.size_t, errPtr **C.pgpmech_error) C.uintptr_t {
	m := cgo.Handle(mech).Value().(*mechanism.Mechanism)

	if signatureLen > C.size_t(C.INT_MAX) {
		setError(errPtr, fmt.Errorf("%w: signature too large", mechanism.ErrInvalidArgument))
		return 0
	}

	var sig []byte
	if signature != nil {
		sig = C.GoBytes(unsafe.Pointer(signature), C.int(signatureLen))
	}

	result, err := m.Verify(sig)
	if err != nil {
		setError(errPtr, err)
		return 0
	}

	return C.uintptr_t(cgo.NewHandle(&verificationResult{
		content:    C.CBytes(result.Content),
		contentLen: C.size_t(len(result.Content)),
		signer:     C.CString(result.Signer),
	}))
}

//export pgpmech_verification_result_get_content
func pgpmech_verification_result_get_content(result C.uintptr_t, dataLen *C.size_t) *C.uchar {
	r := cgo.Handle(result).Value().(*verificationResult)
	*dataLen = r.contentLen
	return (*C.uchar)(r.content)
}

//export pgpmech_verification_result_get_signer
func pgpmech_verification_result_get_signer(result C.uintptr_t) *C.char {
	return cgo.Handle(result).Value().(*verificationResult).signer
}

//export pgpmech_verification_result_free
func pgpmech_verification_result_free(result C.uintptr_t) {
	h := cgo.Handle(result)
	r := h.Value().(*verificationResult)
	C.free(r.content)
	C.free(unsafe.Pointer(r.signer))
	h.Delete()
}

func main() {}
