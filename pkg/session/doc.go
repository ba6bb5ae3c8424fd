/*
Package session implements the per-workload tail session state machine.

A Session owns at most one live stream for its workload and at most one
pending task in the shared ExpiryScheduler. Its states are:

	provisioning -> connected -> refreshing -> connected -> ... -> closed

Ensure moves a session without a stream to connected. A restored
credential that is still valid outside the refresh margin is dialed
directly; otherwise Ensure falls through to a refresh.

A refresh runs these steps in order:

 1. close the current stream, if any
 2. revoke the previous tail on the control plane; failures are logged
 3. open a new tail
 4. dial its endpoint
 5. commit credential and stream together
 6. arm the expiry task at expiresAt minus the refresh margin

If step 3 or 4 fails the session stays without a stream and a retry is
armed after the configured backoff. Discovery also repairs sessions that
are not connected, so a failed refresh is never abandoned.

Ensure, Refresh and Close are serialized per session. Readers such as the
snapshot path only see the committed view, so they never observe a new
credential paired with the old stream.

Inbound messages are handed to the sink. Malformed records are dropped by
the sink and the stream keeps running. When a stream ends without the
session asking for it, the session returns to provisioning and arms a
reconnect.
*/
package session
