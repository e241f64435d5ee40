// Package forms registers the kinds of progressive form condor offers and
// builds flow definitions for them.
//
// Each Kind is an explicit tag mapped to a Handler in a Registry. A handler
// declares the access it needs and builds a flow.Definition whose
// validators and Submit perform the store or backend operation. The
// registry checks access twice: once when a form is opened and again at
// submit time, since grants may change while a form is open.
//
// Every submit appends an audit entry: success after the change is
// applied, failure when the backend rejects it, denied when access was
// lost mid-form. Audit details never include credentials or keys.
//
// Built-in kinds:
//
//	add_server      admin    id, host, port, username, password
//	edit_server     manage   one field, or all with the current values kept
//	share_server    manage   user, level
//	add_wallet      trade    chain, private key
//	edit_connector  trade    one field per connector setting
//	edit_network    trade    one field per network setting
//	add_token       trade    network, address, symbol, decimals, name
//	remove_token    trade    network, address
//	add_pool        trade    connector, network, type, base, quote, address
//	remove_pool     trade    connector, network, type, address
package forms
