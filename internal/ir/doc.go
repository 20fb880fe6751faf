// Package ir provides the document value tree shared by every denorm package.
//
// Documents read from and written to a store are IRObject trees. The tree is a
// sealed set of value types so that normalization, diffing and store encoding
// can switch exhaustively over it. ir imports nothing internal.
//
// Two time representations exist on purpose:
//   - IRTimestamp is the store-native form (seconds + nanos), as read back
//     from a document store
//   - IRTime is the plain application form produced by normalization
//
// IRRef is an opaque reference to another document. Normalization and
// projection never descend into it.
package ir
