// Intercept the .NET JIT compiler from inside the process that hosts it
//
// The CoreCLR JIT exposes a single compiler object through its getJit export.
// The first slot of that object's dispatch table is compileMethod, which the
// runtime calls every time a method needs native code. This package swaps
// that slot for a Go callback, forwards every request to the original
// compileMethod, and hands the outermost result of each request to a
// Strategy which may inspect or rewrite the generated machine code.
//
// Limitations:
//   - Only supports amd64 and arm64 on Linux or Windows
//   - The dispatch table layout is the runtime's binary contract and is not
//     checked. A wrong slot index corrupts an unrelated JIT entry point.
//   - Compilations already in flight when the slot changes are not seen
//   - Forwarding through the original pointer after the JIT module has been
//     unloaded is undefined.
package jithook
