// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

// Package spice implements the client side of the SPICE remote-display link
// handshake.
//
// A Session holds a server target and a credential. Each channel of the
// session (main, display, inputs, cursor, ...) is linked over its own TCP
// connection: the client sends a link request advertising its capabilities,
// the server answers with its own capabilities and, when it requires
// authentication, an RSA public key. The client then sends its credential as
// an RSA-OAEP encrypted ticket and waits for the link result.
//
// # Basic Usage
//
//	session, err := spice.NewSession("localhost", 5900, []byte("secret"),
//		spice.WithTimeout(10*time.Second))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer session.EndSession()
//
//	ctx := context.Background()
//	main, err := session.JoinChannel(ctx, spice.ChannelKey{Type: spice.ChannelMain})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	msg, err := main.ReadMessage(ctx)
//
// # Joining Several Channels
//
//	results, err := session.JoinChannels(ctx, []spice.ChannelKey{
//		{Type: spice.ChannelDisplay},
//		{Type: spice.ChannelInputs},
//		{Type: spice.ChannelCursor},
//	}, 0)
//	for _, r := range results {
//		if r.Err != nil {
//			log.Printf("%s: %v", r.Key, r.Err)
//		}
//	}
//
// # Error Handling
//
// Every error is a *SpiceError carrying a category and, for channel failures,
// the channel key. Server-reported link codes and protocol sentinels match
// with errors.Is:
//
//	if errors.Is(err, spice.LinkErrPermissionDenied) {
//		log.Print("wrong password")
//	}
//	if spice.IsRetryable(err) {
//		// transport failure or timeout
//	}
//
// # Logging
//
// The library logs through the Logger interface and discards everything by
// default. StandardLogger writes through the standard log package;
// NewLogrusLogger and NewZerologLogger adapt structured loggers.
//
// Message payloads after linking (display commands, input events, audio) are
// not interpreted; ReadMessage and WriteMessage only frame them.
package spice
